package transcribe

import (
	"context"
	"sync"

	"github.com/roach88/verbatim/internal/canon"
)

// Apply transcribes every resolved audio attachment and stores the result
// in the owning message's provenance bag under "transcript". Multiple
// audio attachments on one message concatenate in attachment order.
// Engine failures are recorded per message, never fatal. Returns the
// number of transcripts produced.
func Apply(ctx context.Context, eng Engine, msgs []*canon.Message, workers int) (int, error) {
	if eng == nil {
		return 0, nil
	}
	if workers < 1 {
		workers = 1
	}

	type slot struct {
		msg   *canon.Message
		paths []string
	}
	var slots []slot
	for _, m := range msgs {
		var paths []string
		for _, a := range m.Attachments {
			if a.Type == "audio" && a.ResolvedPath != "" {
				paths = append(paths, a.ResolvedPath)
			}
		}
		if len(paths) > 0 {
			slots = append(slots, slot{msg: m, paths: paths})
		}
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	var firstErr error

	for _, s := range slots {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(s slot) {
			defer wg.Done()
			defer func() { <-sem }()

			var parts []string
			for _, p := range s.paths {
				text, err := eng.Transcribe(ctx, p)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = ctxErr
						}
						mu.Unlock()
						return
					}
					mu.Lock()
					s.msg.Meta("transcript_error", err.Error())
					mu.Unlock()
					return
				}
				parts = append(parts, text)
			}

			mu.Lock()
			s.msg.Meta("transcript", joinTranscripts(parts))
			count++
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	return count, firstErr
}

func joinTranscripts(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
