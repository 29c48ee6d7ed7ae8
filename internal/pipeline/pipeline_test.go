package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/soika/topicmap/internal/config"
	"github.com/soika/topicmap/internal/numeric"
	"github.com/soika/topicmap/internal/observe"
	"github.com/soika/topicmap/internal/reduce"
	"github.com/soika/topicmap/internal/store"
	"github.com/soika/topicmap/internal/topics"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.SQL().ExecContext(ctx, `CREATE TABLE contracts (
		id INTEGER PRIMARY KEY,
		name_ru TEXT,
		description_ru TEXT,
		embedding TEXT
	)`)
	if err != nil {
		t.Fatalf("creating source table: %v", err)
	}
	return db
}

func insertContract(t *testing.T, db *store.DB, id int, name string, embedding any) {
	t.Helper()
	_, err := db.SQL().Exec(`INSERT INTO contracts (id, name_ru, description_ru, embedding) VALUES (?, ?, ?, ?)`,
		id, name, "", embedding)
	if err != nil {
		t.Fatalf("inserting contract %d: %v", id, err)
	}
}

func textVector(t *testing.T, v []float32) string {
	t.Helper()
	enc, err := store.EncodeVector(v, store.EncodingText)
	if err != nil {
		t.Fatalf("encoding vector: %v", err)
	}
	return enc.(string)
}

var blobTexts = [][]string{
	{"бумага офисная", "бумага для принтера", "офисная бумага формат", "закупка бумаги офисной"},
	{"ремонт кровли", "капитальный ремонт кровли", "ремонт кровли здания", "кровли ремонт школы"},
	{"бензин автомобильный", "топливо дизельное", "бензин аи", "дизельное топливо зимнее"},
}

// seedBlobs inserts perBlob contracts around each of three random
// directions, ids starting at 1.
func seedBlobs(t *testing.T, db *store.DB, perBlob, dims int) int {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	id := 0
	for b := range blobTexts {
		centre := make([]float32, dims)
		for d := range centre {
			centre[d] = float32(rng.NormFloat64())
		}
		for p := 0; p < perBlob; p++ {
			v := make([]float32, dims)
			for d := range v {
				v[d] = centre[d] + float32(rng.NormFloat64()*0.05)
			}
			id++
			insertContract(t, db, id, blobTexts[b][p%len(blobTexts[b])], textVector(t, v))
		}
	}
	return id
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Source.BatchSize = 16
	cfg.UMAP.NEpochs = 200
	cfg.Topics.MinDF = 2
	return cfg
}

func newTestPipeline(t *testing.T, db *store.DB, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(cfg, Deps{DB: db, Backend: numeric.Serial{}, Metrics: observe.NewMetrics(), Log: logr.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func countRows(t *testing.T, db *store.DB, table string) int {
	t.Helper()
	var n int
	if err := db.SQL().Get(&n, "SELECT COUNT(*) FROM "+table); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func TestRun_EndToEnd(t *testing.T) {
	db := setupTestDB(t)
	last := seedBlobs(t, db, 33, 24)
	insertContract(t, db, last+1, "битый вектор", "[0.1, oops]")

	ctx := context.Background()
	res, err := newTestPipeline(t, db, testConfig()).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Records != 99 || len(res.Skipped) != 1 {
		t.Fatalf("records=%d skipped=%d, want 99 and 1", res.Records, len(res.Skipped))
	}
	if res.Skipped[0].ID != "100" {
		t.Fatalf("skipped id = %q, want 100", res.Skipped[0].ID)
	}
	if got := countRows(t, db, store.DefaultSinkTable); got != 99 {
		t.Fatalf("sink rows = %d, want 99", got)
	}
	if res.Degenerate || res.TopicCount() < 2 {
		t.Fatalf("expected at least 2 topics, got %d (degenerate=%v)", res.TopicCount(), res.Degenerate)
	}
	for _, d := range []string{StageSource, StageNormalize, StageReduce, StageCluster, StageLabel, StageSink} {
		if _, ok := res.Durations[d]; !ok {
			t.Fatalf("missing duration for stage %s", d)
		}
	}

	known := map[int]string{}
	total := 0
	for _, tp := range res.Topics {
		known[tp.ID] = tp.Name
		total += tp.Count
	}
	if total != 99 {
		t.Fatalf("topic member counts sum to %d, want 99", total)
	}
	for _, a := range res.Assignments {
		name, ok := known[a.TopicID]
		if !ok || name != a.TopicName {
			t.Fatalf("assignment %+v does not match a topic", a)
		}
		if a.TopicID == topics.Noise && a.Probability != 0 {
			t.Fatalf("noise assignment with probability %v", a.Probability)
		}
	}

	runs := store.NewRunLog(db)
	run, err := runs.LatestRun(ctx, "")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.ID != res.RunID || run.Status != store.RunCompleted || run.Records != 99 || run.Skipped != 1 {
		t.Fatalf("unexpected run record %+v", run)
	}
	catalog, err := runs.ListTopics(ctx, res.RunID)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(catalog) != len(res.Topics) {
		t.Fatalf("catalog has %d topics, result %d", len(catalog), len(res.Topics))
	}
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 20, 16)
	cfg := testConfig()

	first, err := newTestPipeline(t, db, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := newTestPipeline(t, db, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := countRows(t, db, store.DefaultSinkTable); got != 60 {
		t.Fatalf("sink rows after rerun = %d, want 60", got)
	}
	for i := range first.Assignments {
		if first.Assignments[i] != second.Assignments[i] {
			t.Fatalf("rerun changed assignment %d: %+v vs %+v", i, first.Assignments[i], second.Assignments[i])
		}
	}
}

func TestRun_EmptySource(t *testing.T) {
	db := setupTestDB(t)
	res, err := newTestPipeline(t, db, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Records != 0 || len(res.Topics) != 0 || len(res.Assignments) != 0 {
		t.Fatalf("expected an empty result, got %+v", res)
	}
	if got := countRows(t, db, store.DefaultSinkTable); got != 0 {
		t.Fatalf("sink rows = %d, want 0", got)
	}
	run, err := store.NewRunLog(db).GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Fatalf("status = %q, want completed", run.Status)
	}
}

func TestRun_AllNoiseIsDegenerate(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 10, 8)
	cfg := testConfig()
	cfg.Cluster.MinClusterSize = 50

	res, err := newTestPipeline(t, db, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Degenerate {
		t.Fatal("expected a degenerate result")
	}
	if len(res.Topics) != 1 || res.Topics[0].ID != topics.Noise || res.Topics[0].Name != "noise" {
		t.Fatalf("expected only the noise topic, got %+v", res.Topics)
	}
	for _, a := range res.Assignments {
		if a.TopicID != topics.Noise || a.Probability != 0 {
			t.Fatalf("expected noise assignment, got %+v", a)
		}
	}
}

func TestRun_DimensionMismatchFailsRun(t *testing.T) {
	db := setupTestDB(t)
	insertContract(t, db, 1, "a", textVector(t, []float32{1, 0, 0}))
	insertContract(t, db, 2, "b", textVector(t, []float32{0, 1, 0}))
	insertContract(t, db, 3, "c", textVector(t, []float32{0, 1}))

	res, err := newTestPipeline(t, db, testConfig()).Run(context.Background())
	if !IsKind(err, KindShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSource {
		t.Fatalf("expected source stage error, got %v", err)
	}
	if !errors.Is(err, store.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch in chain, got %v", err)
	}

	run, gerr := store.NewRunLog(db).GetRun(context.Background(), res.RunID)
	if gerr != nil {
		t.Fatalf("GetRun: %v", gerr)
	}
	if run.Status != store.RunFailed || run.Error == "" {
		t.Fatalf("expected failed run with error, got %+v", run)
	}
}

func TestRun_TooFewRecords(t *testing.T) {
	db := setupTestDB(t)
	insertContract(t, db, 1, "a", textVector(t, []float32{1, 0}))
	insertContract(t, db, 2, "b", textVector(t, []float32{0, 1}))

	_, err := newTestPipeline(t, db, testConfig()).Run(context.Background())
	if !IsKind(err, KindShape) || !errors.Is(err, reduce.ErrInsufficientRows) {
		t.Fatalf("expected insufficient rows shape error, got %v", err)
	}
	if got := countRows(t, db, store.DefaultSinkTable); got != 0 {
		t.Fatalf("sink rows = %d, want 0", got)
	}
}

func TestRun_MissingSourceTable(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.Source.Table = "no_such_table"

	_, err := newTestPipeline(t, db, cfg).Run(context.Background())
	if !IsKind(err, KindSource) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 15, 8)
	cfg := testConfig()
	cfg.DryRun = true

	res, err := newTestPipeline(t, db, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Assignments) != 45 {
		t.Fatalf("assignments = %d, want 45", len(res.Assignments))
	}
	var tables int
	if err := db.SQL().Get(&tables, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'topic_runs'`); err != nil {
		t.Fatalf("checking schema: %v", err)
	}
	if tables != 0 {
		t.Fatal("dry run created the run history table")
	}
}

func TestRun_CancelledBetweenStages(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 5, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once the source stage has finished reading.
	log := funcr.New(func(prefix, args string) {
		if strings.Contains(args, `"source read"`) {
			cancel()
		}
	}, funcr.Options{})
	p, err := New(testConfig(), Deps{DB: db, Backend: numeric.Serial{}, Metrics: observe.NewMetrics(), Log: log})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) || !IsKind(err, KindSource) {
		t.Fatalf("expected a cancelled source-kind error, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageNormalize {
		t.Fatalf("expected the run to stop before %s, got %v", StageNormalize, err)
	}
	if res.Records != 15 {
		t.Fatalf("records = %d, want 15 read before cancelling", res.Records)
	}

	run, gerr := store.NewRunLog(db).GetRun(context.Background(), res.RunID)
	if gerr != nil {
		t.Fatalf("GetRun: %v", gerr)
	}
	if run.Status != store.RunFailed || !strings.Contains(run.Error, "cancel") {
		t.Fatalf("expected a failed run mentioning cancellation, got %+v", run)
	}
	if got := countRows(t, db, store.DefaultSinkTable); got != 0 {
		t.Fatalf("sink rows = %d, want 0", got)
	}
}

func TestRun_AlreadyCancelled(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 5, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPipeline(t, db, testConfig()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// seedBlobsWithNoise inserts perBlob records around each of three random
// directions in embedding space, then noise records drawn uniformly from
// the cube. It returns the ids of the noise records.
func seedBlobsWithNoise(t *testing.T, db *store.DB, perBlob, noise, dims int) (blobOf map[string]int, noiseIDs map[string]bool) {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	blobOf = make(map[string]int)
	noiseIDs = make(map[string]bool)
	id := 0
	for b := range blobTexts {
		centre := make([]float64, dims)
		var norm float64
		for d := range centre {
			centre[d] = rng.NormFloat64()
			norm += centre[d] * centre[d]
		}
		norm = math.Sqrt(norm)
		for p := 0; p < perBlob; p++ {
			v := make([]float32, dims)
			for d := range v {
				v[d] = float32(centre[d]/norm + rng.NormFloat64()*0.03)
			}
			id++
			insertContract(t, db, id, blobTexts[b][p%len(blobTexts[b])], textVector(t, v))
			blobOf[strconv.Itoa(id)] = b
		}
	}
	for p := 0; p < noise; p++ {
		v := make([]float32, dims)
		for d := range v {
			v[d] = float32(rng.Float64()*2 - 1)
		}
		id++
		insertContract(t, db, id, fmt.Sprintf("прочее %d", p), textVector(t, v))
		noiseIDs[strconv.Itoa(id)] = true
	}
	return blobOf, noiseIDs
}

func TestRun_ThreeBlobsWithNoise(t *testing.T) {
	db := setupTestDB(t)
	blobOf, noiseIDs := seedBlobsWithNoise(t, db, 317, 49, 32)

	res, err := newTestPipeline(t, db, DefaultConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Records != 1000 {
		t.Fatalf("records = %d, want 1000", res.Records)
	}
	if res.TopicCount() != 3 {
		t.Fatalf("expected 3 topics, got %d (noise %d)", res.TopicCount(), res.Noise())
	}
	if n := res.Noise(); n < 45 || n > 55 {
		t.Fatalf("expected about 50 noise records, got %d", n)
	}

	caught := 0
	topicOf := map[int]int{}
	for _, a := range res.Assignments {
		if noiseIDs[a.RecordID] {
			if a.TopicID == topics.Noise {
				caught++
			}
			continue
		}
		if a.TopicID == topics.Noise {
			continue
		}
		b := blobOf[a.RecordID]
		if prev, ok := topicOf[b]; ok && prev != a.TopicID {
			t.Fatalf("blob %d split across topics %d and %d", b, prev, a.TopicID)
		}
		topicOf[b] = a.TopicID
	}
	if caught < 45 {
		t.Fatalf("only %d of %d uniform records were labelled noise", caught, len(noiseIDs))
	}
	if len(topicOf) != 3 {
		t.Fatalf("expected each blob on its own topic, got %v", topicOf)
	}
}

func TestRun_OutlierCheckDisabled(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 20, 16)
	cfg := testConfig()
	cfg.OutlierFactor = 0

	res, err := newTestPipeline(t, db, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TopicCount() < 2 {
		t.Fatalf("expected at least 2 topics, got %d", res.TopicCount())
	}

	cfg.OutlierFactor = -1
	if _, err := New(cfg, Deps{DB: db}); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error for a negative factor, got %v", err)
	}
}

func TestCatalog(t *testing.T) {
	res := &Result{
		RunID: "run-1",
		Topics: []topics.Topic{
			{ID: topics.Noise, Name: "noise", Count: 2},
			{ID: 0, Name: "0_бумага", Count: 5, Keywords: []topics.Keyword{{Term: "бумага", Score: 0.7}}, Representatives: []string{"бумага офисная"}},
		},
	}
	got := Catalog(res)
	if len(got) != 2 {
		t.Fatalf("catalog has %d rows, want 2", len(got))
	}
	if got[0].RunID != "run-1" || got[0].TopicID != topics.Noise || len(got[0].Keywords) != 0 {
		t.Fatalf("unexpected noise row %+v", got[0])
	}
	row := got[1]
	if row.Name != "0_бумага" || row.MemberCount != 5 || row.Keywords[0] != (store.KeywordScore{Term: "бумага", Score: 0.7}) {
		t.Fatalf("unexpected topic row %+v", row)
	}
	if len(row.Representatives) != 1 || row.Representatives[0] != "бумага офисная" {
		t.Fatalf("representatives = %v", row.Representatives)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(testConfig(), Deps{}); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error without db, got %v", err)
	}
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.Cluster.MinClusterSize = 1
	if _, err := New(cfg, Deps{DB: db}); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestConfigFromSettings(t *testing.T) {
	s := config.Defaults()
	cfg, err := ConfigFromSettings(s)
	if err != nil {
		t.Fatalf("ConfigFromSettings: %v", err)
	}
	if cfg.UMAP.Metric != numeric.Cosine || cfg.Cluster.Metric != numeric.Euclidean {
		t.Fatalf("unexpected metrics %v / %v", cfg.UMAP.Metric, cfg.Cluster.Metric)
	}
	if cfg.UMAP.Seed != 42 || cfg.Topics.TopK != 5 || cfg.SinkTable != "contract_topics" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	s.Reduce.Metric = "manhattan"
	if _, err := ConfigFromSettings(s); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestProject(t *testing.T) {
	db := setupTestDB(t)
	seedBlobs(t, db, 12, 8)
	p := newTestPipeline(t, db, testConfig())

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	points, err := p.Project(context.Background(), MethodUMAP)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(points) != 36 {
		t.Fatalf("points = %d, want 36", len(points))
	}

	sink := store.NewResultSink(db, store.DefaultSinkTable, 0)
	stored, err := sink.Get(context.Background(), points[0].RecordID)
	if err != nil || stored == nil {
		t.Fatalf("Get: %v %v", stored, err)
	}
	if stored.TopicID != points[0].TopicID {
		t.Fatalf("projected topic %d, stored %d", points[0].TopicID, stored.TopicID)
	}

	if _, err := p.Project(context.Background(), "pca"); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error for unknown method, got %v", err)
	}
}

func TestProject_DimensionMismatchIsShapeError(t *testing.T) {
	db := setupTestDB(t)
	insertContract(t, db, 1, "a", textVector(t, []float32{1, 0, 0}))
	insertContract(t, db, 2, "b", textVector(t, []float32{0, 1}))

	_, err := newTestPipeline(t, db, testConfig()).Project(context.Background(), MethodUMAP)
	if !IsKind(err, KindShape) || !errors.Is(err, store.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch shape error, got %v", err)
	}
}
