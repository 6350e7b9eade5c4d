package session

import (
	"context"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/upstream"
)

// CaptureRecorder adapts a capture.Capturer to Recorder.
type CaptureRecorder struct {
	Capturer *capture.Capturer
}

func (r CaptureRecorder) Start(ctx context.Context, desc upstream.StreamDescriptor, out string, q upstream.Quality) (Capture, error) {
	h, err := r.Capturer.Start(ctx, desc, out, q)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// IngestorFactory returns a ChatFactory backed by chat.Ingestor, writing a
// JSONL log and mirroring events to mirror when it is non-nil.
func IngestorFactory(cfg chat.IngestConfig, dialer upstream.FeedDialer, mirror chat.Mirror) ChatFactory {
	return func(desc upstream.StreamDescriptor, logPath string, publish func(chat.Event)) (Chat, error) {
		log, err := chat.CreateLog(logPath)
		if err != nil {
			return nil, err
		}
		return chat.NewIngestor(cfg, dialer, desc, chat.Options{Log: log, Mirror: mirror, Publish: publish}), nil
	}
}
