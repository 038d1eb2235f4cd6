package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyvo/buildfarm/pkg/protocol"
)

// grab fetches every declared file into a fresh staged upload, checking
// each against its content hash. Any failure discards the whole upload, so
// nothing of a partial grab reaches the incoming tree.
func (d *Dispatcher) grab(ctx context.Context, client WorkerClient, name string, files map[string]string) (Upload, []string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.grab")
	defer span.End()
	span.SetAttributes(attribute.String("upload", name), attribute.Int("files", len(files)))

	up, err := d.incoming.Begin(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	names := sortedNames(files)
	for _, filename := range names {
		if err := fetchInto(ctx, client, up, filename, files[filename]); err != nil {
			if derr := up.Discard(); derr != nil {
				d.logger.Warn("discarding partial grab failed", "upload", name, "error", derr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, nil, err
		}
	}
	return up, names, nil
}

func fetchInto(ctx context.Context, client WorkerClient, up Upload, filename, hash string) error {
	w, err := up.Create(filename)
	if err != nil {
		return fmt.Errorf("stage %s: %w", filename, err)
	}
	vw := protocol.NewVerifyingWriter(w, hash)
	if err := client.GetFile(ctx, hash, vw); err != nil {
		w.Close()
		return fmt.Errorf("fetch %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", filename, err)
	}
	if err := vw.Verify(); err != nil {
		return fmt.Errorf("fetch %s: %w", filename, err)
	}
	return nil
}
