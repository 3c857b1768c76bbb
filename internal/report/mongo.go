package report

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

const mongoOpTimeout = 10 * time.Second

// documentWriter is the subset of *mongo.Collection the sink needs.
type documentWriter interface {
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// runDocument is the stored form of a report, keyed by run id.
type runDocument struct {
	ID            string               `bson:"_id"`
	Operation     string               `bson:"operation"`
	StartedAt     time.Time            `bson:"started_at"`
	FinishedAt    time.Time            `bson:"finished_at"`
	Cancelled     bool                 `bson:"cancelled"`
	Config        engine.TaskConfig    `bson:"config"`
	OverallStatus engine.OverallStatus `bson:"overall_status"`
	Summary       engine.Summary       `bson:"summary"`
	Results       []engine.Result      `bson:"results"`
}

// Mongo upserts each report as one document.
type Mongo struct {
	coll documentWriter
}

func NewMongo(coll *mongo.Collection) *Mongo { return &Mongo{coll: coll} }

func (m *Mongo) Write(ctx context.Context, rep *engine.RunReport) error {
	doc := runDocument{
		ID:            rep.ID.String(),
		Operation:     rep.Operation,
		StartedAt:     rep.StartedAt,
		FinishedAt:    rep.FinishedAt,
		Cancelled:     rep.Cancelled,
		Config:        rep.Config,
		OverallStatus: rep.OverallStatus,
		Summary:       rep.Summary,
		Results:       rep.Results,
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store report %s: %w", doc.ID, err)
	}
	return nil
}
