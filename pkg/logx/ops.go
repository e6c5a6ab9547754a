package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	opsQueueSize   = 256
	opsSendTimeout = 10 * time.Second
	opsMaxLen      = 3500
	opsMaxValueLen = 600
	opsMaxStackLen = 900
)

// opsForwarder is a zerolog.LevelWriter that hands selected lines to a
// background sender. Writes never block logging; overflow is dropped.
type opsForwarder struct {
	queue chan string

	mu      sync.Mutex
	sink    OpsSink
	min     Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func newOpsForwarder(sink OpsSink) *opsForwarder {
	return &opsForwarder{queue: make(chan string, opsQueueSize), sink: sink, min: LevelWarn}
}

func (o *opsForwarder) setSink(sink OpsSink) {
	o.mu.Lock()
	o.sink = sink
	o.mu.Unlock()
}

func (o *opsForwarder) configure(cfg OpsConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rps := max(1, cfg.RatePerSec)
	o.min = parseLevel(cfg.MinLevel, LevelWarn)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled || o.cancel != nil {
		return
	}
	if o.sink == nil {
		fmt.Fprintln(os.Stderr, "logx: ops logging enabled without a sink")
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx, o.done)
}

func (o *opsForwarder) stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (o *opsForwarder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-o.queue:
			o.mu.Lock()
			sink := o.sink
			o.mu.Unlock()
			if sink == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, opsSendTimeout)
			_ = sink.SendOps(sendCtx, line)
			cancel()
		}
	}
}

func (o *opsForwarder) Write(p []byte) (int, error) {
	return o.WriteLevel(LevelInfo, p)
}

func (o *opsForwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	ok := o.sink != nil && o.limiter != nil && level >= o.min && o.limiter.Allow()
	o.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if line := opsText(p); line != "" {
		select {
		case o.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// opsText renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field in key order.
func opsText(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), opsMaxLen)
	}
	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", clip(fmt.Sprint(m[k]), opsMaxStackLen))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), opsMaxValueLen))
	}
	return clip(b.String(), opsMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
