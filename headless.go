package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"parley/session"
)

var errSessionEnded = errors.New("session ended")

// reporter prints transcript entries and errors as they show up in
// snapshots.
type reporter struct {
	w            io.Writer
	conversation string
	printed      int
	lastErr      string
}

func (r *reporter) report(sn session.Snapshot) {
	if sn.ConversationID != r.conversation {
		r.conversation = sn.ConversationID
		r.printed = 0
	}
	if r.printed > len(sn.Transcripts) {
		r.printed = 0
	}
	for _, e := range sn.Transcripts[r.printed:] {
		n := e.TurnNumber + 1
		fmt.Fprintf(r.w, "[%d] you: %s\n", n, e.Text)
		if e.Reply != "" {
			fmt.Fprintf(r.w, "[%d] reply: %s\n", n, e.Reply)
		}
	}
	r.printed = len(sn.Transcripts)

	if sn.Error != "" && sn.Error != r.lastErr {
		fmt.Fprintf(r.w, "error: %s\n", sn.Error)
	}
	r.lastErr = sn.Error
}

// runHeadless listens until the context is cancelled, printing each
// exchange as it completes.
func runHeadless(ctx context.Context, sess *session.Session, w io.Writer) int {
	if err := sess.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "listening (ctrl+c to quit)")

	rep := &reporter{w: w}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case sn := <-sess.Updates():
				rep.report(sn)
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		sess.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		return errSessionEnded
	})

	err := g.Wait()
	rep.report(sess.Snapshot())
	if errors.Is(err, errSessionEnded) {
		return 1
	}
	return 0
}
