package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/paulschiretz/pgl-dump/pkg/report"
)

const defaultNATSSubject = "pgl-dump.runs"

// NATS publishes the report as JSON to a subject. A connection is made per
// notification; a run notifies once.
type NATS struct {
	URL     string
	Subject string
	// CredsFile is an optional NATS credentials file.
	CredsFile string
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) subject(r *report.Report) string {
	subject := n.Subject
	if subject == "" {
		subject = defaultNATSSubject
	}
	return subject + "." + r.Status.String()
}

func (n *NATS) Notify(ctx context.Context, r *report.Report) error {
	body, err := encodeReport(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	opts := []nats.Option{nats.Name("pgl-dump"), nats.NoReconnect()}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	if n.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(n.CredsFile))
	}
	url := n.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	if err := nc.Publish(n.subject(r), body); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return nc.Flush()
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

var _ Notifier = (*NATS)(nil)
