package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/report"
	"github.com/nevergoodstudy-hub/netops/internal/serverutil"
	"github.com/nevergoodstudy-hub/netops/pkg/consumer"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/models"
)

const (
	publishTimeout = 30 * time.Second
	readRetryDelay = time.Second
)

type requestReader interface {
	Read(ctx context.Context) (models.RunRequest, error)
	Close() error
}

type runFunc func(ctx context.Context, req models.RunRequest) (*engine.RunReport, error)

// daemon runs requests one at a time, in the order they are read. Each run
// already fans out over its own worker pool.
type daemon struct {
	reader requestReader
	run    runFunc
	sink   report.Sink
	logger lg.Logger
}

// serve reads until ctx ends. Read errors are logged and retried.
func (d *daemon) serve(ctx context.Context) error {
	for {
		req, err := d.reader.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, consumer.ErrDecode) {
			d.logger.Warn("dropping undecodable request", lg.Err(err))
			continue
		}
		if err != nil {
			d.logger.Error("failed to read request", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}
		d.handle(ctx, req)
	}
}

func (d *daemon) handle(ctx context.Context, req models.RunRequest) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	logger := d.logger.With(lg.String("request", req.ID.String()), lg.String("operation", string(req.Operation)))
	logger.Info("request received", lg.Strings("targets", req.Targets), lg.String("group", req.Group))

	rep, err := d.run(lg.Attach(ctx, logger), req)
	if err != nil {
		logger.Error("request rejected", lg.String("kind", string(engine.KindOf(err))), lg.Err(err))
		return
	}

	// a run cut short by shutdown still gets its report out
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := d.sink.Write(pctx, rep); err != nil {
		logger.Error("failed to publish report", lg.String("run", rep.ID.String()), lg.Err(err))
		return
	}
	logger.Info("report published",
		lg.String("run", rep.ID.String()),
		lg.String("status", string(rep.OverallStatus)))
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// submitHandler queues validated requests on the request topic.
type submitHandler struct {
	writer messageWriter
	logger lg.Logger
}

func newSubmitHandler(w messageWriter, logger lg.Logger) http.Handler {
	h := &submitHandler{writer: w, logger: logger}
	return serverutil.NewValidationHandler[models.RunRequest](h, (*models.RunRequest).Validate)
}

func (h *submitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.RunRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	req.ID = uuid.New()

	value, err := json.Marshal(req)
	if err != nil {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	err = h.writer.WriteMessages(r.Context(), kafka.Message{Key: []byte(req.ID.String()), Value: value})
	if err != nil {
		h.logger.Error("failed to queue request", lg.String("request", req.ID.String()), lg.Err(err))
		http.Error(rw, "failed to queue request", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("request queued", lg.String("request", req.ID.String()), lg.String("operation", string(req.Operation)))
	serverutil.WriteJSON(rw, http.StatusAccepted, models.RunResponse{ID: req.ID})
}
