// Package mongostore provides a MongoDB-backed implementation of
// resultstore.Store, so a persisted ResearchResult survives a process
// restart and is queryable outside the process that produced it.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"deepresearch/resultstore"
)

const (
	defaultCollection = "research_results"
	defaultOpTimeout  = 5 * time.Second
)

type sourceDoc struct {
	URL       string `bson:"url"`
	Title     string `bson:"title"`
	Relevance string `bson:"relevance"`
}

type phaseTimingDoc struct {
	Phase         string        `bson:"phase"`
	ExecutionTime time.Duration `bson:"execution_time_ns"`
}

type subQueryResultDoc struct {
	Question   string      `bson:"question"`
	Answer     string      `bson:"answer"`
	Sources    []sourceDoc `bson:"sources"`
	Confidence *float64    `bson:"confidence,omitempty"`
}

type decompositionDoc struct {
	IsComplex    bool     `bson:"is_complex"`
	SubQueryText []string `bson:"sub_query_text"`
}

type metadataDoc struct {
	TotalExecutionTime   time.Duration                `bson:"total_execution_time_ns"`
	Phases               []phaseTimingDoc             `bson:"phases"`
	Decomposition        *decompositionDoc            `bson:"decomposition,omitempty"`
	SubQueryResults      map[string]subQueryResultDoc `bson:"sub_query_results,omitempty"`
	RetrievalCycles      int                          `bson:"retrieval_cycles"`
	FinalCoverage        *float64                     `bson:"final_coverage,omitempty"`
	ReflectionIterations int                          `bson:"reflection_iterations"`
	TotalImprovement     float64                      `bson:"total_improvement"`
	UsedAgenticPipeline  bool                         `bson:"used_agentic_pipeline"`
}

type document struct {
	SessionID  string      `bson:"_id"`
	PlanID     string      `bson:"plan_id"`
	Query      string      `bson:"query"`
	Answer     string      `bson:"answer"`
	Sources    []sourceDoc `bson:"sources"`
	Metadata   metadataDoc `bson:"metadata"`
	Confidence *float64    `bson:"confidence,omitempty"`
	CreatedAt  time.Time   `bson:"created_at"`
}

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements resultstore.Store against a MongoDB collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Store, ensuring the indexes ListByQuery relies on exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ictx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "query", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

func (s *Store) Save(ctx context.Context, r resultstore.ResearchResult) error {
	if r.SessionID == "" {
		return errors.New("mongostore: sessionID is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	doc := toDocument(r)

	octx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.ReplaceOne(octx, bson.M{"_id": doc.SessionID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Get(ctx context.Context, sessionID string) (resultstore.ResearchResult, error) {
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d document
	err := s.coll.FindOne(gctx, bson.M{"_id": sessionID}).Decode(&d)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return resultstore.ResearchResult{}, resultstore.ErrNotFound
	}
	if err != nil {
		return resultstore.ResearchResult{}, err
	}
	return fromDocument(d), nil
}

func (s *Store) ListByQuery(ctx context.Context, query string, limit int) ([]resultstore.ResearchResult, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(qctx, bson.M{"query": query}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(qctx)

	var out []resultstore.ResearchResult
	for cur.Next(qctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, fromDocument(d))
	}
	return out, cur.Err()
}

func toDocument(r resultstore.ResearchResult) document {
	sources := make([]sourceDoc, len(r.Sources))
	for i, s := range r.Sources {
		sources[i] = sourceDoc{URL: s.URL, Title: s.Title, Relevance: s.Relevance}
	}
	phases := make([]phaseTimingDoc, len(r.Metadata.Phases))
	for i, p := range r.Metadata.Phases {
		phases[i] = phaseTimingDoc{Phase: p.Phase, ExecutionTime: p.ExecutionTime}
	}
	var decomp *decompositionDoc
	if r.Metadata.Decomposition != nil {
		decomp = &decompositionDoc{
			IsComplex:    r.Metadata.Decomposition.IsComplex,
			SubQueryText: r.Metadata.Decomposition.SubQueryText,
		}
	}
	var subResults map[string]subQueryResultDoc
	if len(r.Metadata.SubQueryResults) > 0 {
		subResults = make(map[string]subQueryResultDoc, len(r.Metadata.SubQueryResults))
		for id, sr := range r.Metadata.SubQueryResults {
			srSources := make([]sourceDoc, len(sr.Sources))
			for i, s := range sr.Sources {
				srSources[i] = sourceDoc{URL: s.URL, Title: s.Title, Relevance: s.Relevance}
			}
			subResults[id] = subQueryResultDoc{Question: sr.Question, Answer: sr.Answer, Sources: srSources, Confidence: sr.Confidence}
		}
	}
	return document{
		SessionID: r.SessionID,
		PlanID:    r.PlanID,
		Query:     r.Query,
		Answer:    r.Answer,
		Sources:   sources,
		Metadata: metadataDoc{
			TotalExecutionTime:   r.Metadata.TotalExecutionTime,
			Phases:               phases,
			Decomposition:        decomp,
			SubQueryResults:      subResults,
			RetrievalCycles:      r.Metadata.RetrievalCycles,
			FinalCoverage:        r.Metadata.FinalCoverage,
			ReflectionIterations: r.Metadata.ReflectionIterations,
			TotalImprovement:     r.Metadata.TotalImprovement,
			UsedAgenticPipeline:  r.Metadata.UsedAgenticPipeline,
		},
		Confidence: r.Confidence,
		CreatedAt:  r.CreatedAt,
	}
}

func fromDocument(d document) resultstore.ResearchResult {
	sources := make([]resultstore.SourceRef, len(d.Sources))
	for i, s := range d.Sources {
		sources[i] = resultstore.SourceRef{URL: s.URL, Title: s.Title, Relevance: s.Relevance}
	}
	phases := make([]resultstore.PhaseTiming, len(d.Metadata.Phases))
	for i, p := range d.Metadata.Phases {
		phases[i] = resultstore.PhaseTiming{Phase: p.Phase, ExecutionTime: p.ExecutionTime}
	}
	var decomp *resultstore.DecompositionSummary
	if d.Metadata.Decomposition != nil {
		decomp = &resultstore.DecompositionSummary{
			IsComplex:    d.Metadata.Decomposition.IsComplex,
			SubQueryText: d.Metadata.Decomposition.SubQueryText,
		}
	}
	var subResults map[string]resultstore.SubQueryResult
	if len(d.Metadata.SubQueryResults) > 0 {
		subResults = make(map[string]resultstore.SubQueryResult, len(d.Metadata.SubQueryResults))
		for id, sr := range d.Metadata.SubQueryResults {
			srSources := make([]resultstore.SourceRef, len(sr.Sources))
			for i, s := range sr.Sources {
				srSources[i] = resultstore.SourceRef{URL: s.URL, Title: s.Title, Relevance: s.Relevance}
			}
			subResults[id] = resultstore.SubQueryResult{Question: sr.Question, Answer: sr.Answer, Sources: srSources, Confidence: sr.Confidence}
		}
	}
	return resultstore.ResearchResult{
		SessionID: d.SessionID,
		PlanID:    d.PlanID,
		Query:     d.Query,
		Answer:    d.Answer,
		Sources:   sources,
		Metadata: resultstore.Metadata{
			TotalExecutionTime:   d.Metadata.TotalExecutionTime,
			Phases:               phases,
			Decomposition:        decomp,
			SubQueryResults:      subResults,
			RetrievalCycles:      d.Metadata.RetrievalCycles,
			FinalCoverage:        d.Metadata.FinalCoverage,
			ReflectionIterations: d.Metadata.ReflectionIterations,
			TotalImprovement:     d.Metadata.TotalImprovement,
			UsedAgenticPipeline:  d.Metadata.UsedAgenticPipeline,
		},
		Confidence: d.Confidence,
		CreatedAt:  d.CreatedAt,
	}
}
