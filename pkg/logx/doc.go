// Package logx is pillcall's structured logger, a thin layer over zerolog.
//
// Console lines carry a short file:line caller, file lines stay JSON, and
// warnings can be mirrored to an operator chat through an OpsSink.
package logx
