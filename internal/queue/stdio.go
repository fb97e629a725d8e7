package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const maxLineBytes = 1 << 20

type lineConsumer struct {
	*feed
}

// newLineConsumer treats every line of cfg.Reader (stdin when nil) as one
// record. The topic is left empty; records carry their own version field.
func newLineConsumer(ctx context.Context, cfg ConsumerConfig) *lineConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	limit := cfg.MaxLineBytes
	if limit <= 0 {
		limit = maxLineBytes
	}
	return &lineConsumer{feed: startFeed(ctx, func(ctx context.Context, f *feed) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, min(limit, 4096)), limit)
		for sc.Scan() {
			m := Message{
				Value:     append([]byte(nil), sc.Bytes()...),
				Timestamp: time.Now().UTC(),
			}
			if !f.deliver(ctx, m) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			f.fail(ctx, err)
		}
	})}
}

// Close does not wait for the reader goroutine: a blocked read on stdin
// cannot be interrupted.
func (c *lineConsumer) Close() error {
	c.once.Do(c.stop)
	return nil
}

type lineProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineProducer(w io.Writer) *lineProducer {
	if w == nil {
		w = os.Stdout
	}
	return &lineProducer{w: w}
}

// Publish writes payload and a newline in one call so concurrent publishers
// never interleave partial lines.
func (p *lineProducer) Publish(_ context.Context, _ string, payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *lineProducer) Close() error { return nil }
