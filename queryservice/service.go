// Package queryservice implements the Query Service (C8): the public
// entry points (search, details, documents, report, stats) that decide
// whether to serve from the Cache Store, the Bulk Index, or the upstream
// registry, grounded on cache-manager/service.go's //encore:service and
// package-level-singleton-plus-sync.Once init convention.
package queryservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"encore.app/apperr"
	"encore.app/blobstore"
	"encore.app/bulkindex"
	"encore.app/cachestore"
	"encore.app/coordinator"
	"encore.app/observability"
	"encore.app/upstream"
)

// Service is the sole //encore:service of this module.
//
//encore:service
type Service struct {
	cfg      Config
	stores   *cachestore.Stores
	index    *bulkindex.Index
	client   *upstream.Client
	coord    *coordinator.Coordinator
	metrics  *observability.Metrics
	reqLog   *observability.RequestLog
	blobs    blobstore.Store
	refresh  *refreshPool
	startedAt time.Time
}

var (
	svc  *Service
	once sync.Once
)

// initService wires C1-C9 together. Called automatically by Encore at
// startup.
func initService() (*Service, error) {
	var initErr error
	once.Do(func() {
		ctx := context.Background()
		cfg := DefaultConfig()

		stores, err := cachestore.NewStores(ctx, cfg.L1MaxEntries)
		if err != nil {
			initErr = err
			return
		}
		index, err := bulkindex.New(ctx)
		if err != nil {
			initErr = err
			return
		}
		reqLog, err := observability.NewRequestLog(ctx)
		if err != nil {
			initErr = err
			return
		}
		blobs, err := blobstore.NewFSStore("./data/blobs")
		if err != nil {
			initErr = err
			return
		}

		upstreamCfg := upstream.LoadConfig()
		client := upstream.NewClient(upstreamCfg, nil)
		metrics := observability.New()
		client.OnOutcome(func(endpoint string, latency time.Duration, err error) {
			metrics.RecordUpstreamCall(err)
		})
		client.Breaker().OnTransition(func(from, to upstream.CircuitState) {
			_, _ = observability.CircuitStateChangedTopic.Publish(context.Background(), &observability.CircuitStateChangedEvent{
				From:      from.String(),
				To:        to.String(),
				Timestamp: time.Now(),
			})
		})

		svc = &Service{
			cfg:       cfg,
			stores:    stores,
			index:     index,
			client:    client,
			coord:     coordinator.New(),
			metrics:   metrics,
			reqLog:    reqLog,
			blobs:     blobs,
			refresh:   newRefreshPool(cfg.BackgroundWorkers, cfg.BackgroundQueueSize),
			startedAt: time.Now(),
		}
	})
	return svc, initErr
}

// SearchRequest is the input to the search operation.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchResponse wraps the ordered result set.
type SearchResponse struct {
	Records []bulkindex.Record `json:"records"`
}

//encore:api public method=GET path=/search
func Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.search(ctx, req)
}

func (s *Service) search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	defer s.logAndMetric("search", "", time.Now(), false, false)()

	records, err := s.index.Search(ctx, req.Query, req.Limit)
	if err != nil {
		s.noteValidation(err)
		return nil, err
	}
	return &SearchResponse{Records: records}, nil
}

// DetailsRequest is the input to the details operation.
type DetailsRequest struct {
	Identifier string `json:"identifier"`
}

// DetailsResponse carries the opaque organization payload plus cache
// provenance flags.
type DetailsResponse struct {
	Payload  json.RawMessage `json:"payload"`
	CacheHit bool            `json:"cache_hit"`
	Stale    bool            `json:"stale"`
}

//encore:api public method=GET path=/details/:identifier
func Details(ctx context.Context, identifier string) (*DetailsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.details(ctx, identifier)
}

func (s *Service) details(ctx context.Context, identifier string) (*DetailsResponse, error) {
	start := time.Now()
	var cacheHit, stale bool
	defer func() { s.logAndMetric("details", identifier, start, cacheHit, stale)() }()

	if err := bulkindex.ValidateIdentifier(identifier); err != nil {
		s.noteValidation(err)
		return nil, err
	}

	key := cacheKey(coordinator.ClassDetails, identifier)
	entry, err := s.stores.Details.Read(ctx, key)
	if err != nil {
		// CacheUnavailable on read degrades to upstream fetch (spec.md §7).
		entry = nil
	}

	switch entry.Classify(time.Now()) {
	case cachestore.Fresh:
		cacheHit = true
		return &DetailsResponse{Payload: entry.Payload, CacheHit: true}, nil
	case cachestore.Stale:
		cacheHit, stale = true, true
		s.scheduleDetailsRefresh(identifier)
		return &DetailsResponse{Payload: entry.Payload, CacheHit: true, Stale: true}, nil
	default:
		payload, err := s.fetchDetails(ctx, identifier)
		if err != nil {
			return nil, err
		}
		return &DetailsResponse{Payload: payload, CacheHit: false}, nil
	}
}

// fetchDetails performs the absent-path fetch: singleflight-guarded
// upstream call followed by a cache write.
func (s *Service) fetchDetails(ctx context.Context, identifier string) (json.RawMessage, error) {
	key := cacheKey(coordinator.ClassDetails, identifier)
	v, _, err := s.coord.Do(key, func() (any, error) {
		payload, err := s.client.OrganizationDetails(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if _, err := s.stores.Details.Write(ctx, key, payload); err != nil {
			// Logged, not surfaced: a write failure must not fail a
			// successful upstream fetch (spec.md §7).
			log.Printf("details cache write failed for %s: %v", key, err)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (s *Service) scheduleDetailsRefresh(identifier string) {
	key := cacheKey(coordinator.ClassDetails, identifier)
	s.refresh.Trigger(key, s.cfg.RefreshBound, func(ctx context.Context) error {
		_, err := s.fetchDetails(ctx, identifier)
		return err
	})
}

// DocumentsResponse carries the ordered document-descriptor list.
type DocumentsResponse struct {
	Documents []upstream.DocumentDescriptor `json:"documents"`
	CacheHit  bool                          `json:"cache_hit"`
	Stale     bool                          `json:"stale"`
}

//encore:api public method=GET path=/documents/:identifier
func Documents(ctx context.Context, identifier string) (*DocumentsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.documents(ctx, identifier)
}

func (s *Service) documents(ctx context.Context, identifier string) (*DocumentsResponse, error) {
	start := time.Now()
	var cacheHit, stale bool
	defer func() { s.logAndMetric("documents", identifier, start, cacheHit, stale)() }()

	if err := bulkindex.ValidateIdentifier(identifier); err != nil {
		s.noteValidation(err)
		return nil, err
	}

	docs, hit, st, err := s.readOrFetchDocuments(ctx, identifier)
	if err != nil {
		return nil, err
	}
	cacheHit, stale = hit, st
	return &DocumentsResponse{Documents: docs, CacheHit: hit, Stale: st}, nil
}

// readOrFetchDocuments implements the documents(identifier) policy
// (identical shape to details, short TTL class), and is reused by
// report() to ensure the document list is available.
func (s *Service) readOrFetchDocuments(ctx context.Context, identifier string) ([]upstream.DocumentDescriptor, bool, bool, error) {
	key := cacheKey(coordinator.ClassDocuments, identifier)
	entry, err := s.stores.Documents.Read(ctx, key)
	if err != nil {
		entry = nil
	}

	switch entry.Classify(time.Now()) {
	case cachestore.Fresh:
		docs, err := decodeDocuments(entry.Payload)
		return docs, true, false, err
	case cachestore.Stale:
		s.refresh.Trigger(key, s.cfg.RefreshBound, func(ctx context.Context) error {
			_, err := s.fetchDocuments(ctx, identifier)
			return err
		})
		docs, err := decodeDocuments(entry.Payload)
		return docs, true, true, err
	default:
		docs, err := s.fetchDocuments(ctx, identifier)
		return docs, false, false, err
	}
}

func (s *Service) fetchDocuments(ctx context.Context, identifier string) ([]upstream.DocumentDescriptor, error) {
	key := cacheKey(coordinator.ClassDocuments, identifier)
	v, _, err := s.coord.Do(key, func() (any, error) {
		docs, err := s.client.DocumentList(ctx, identifier)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(docs)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to encode document list", err)
		}
		if _, err := s.stores.Documents.Write(ctx, key, payload); err != nil {
			_ = err
		}
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]upstream.DocumentDescriptor), nil
}

func decodeDocuments(payload json.RawMessage) ([]upstream.DocumentDescriptor, error) {
	var docs []upstream.DocumentDescriptor
	if err := json.Unmarshal(payload, &docs); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to decode cached document list", err)
	}
	return docs, nil
}

// ReportRequest is the input to the report operation. Year is optional;
// absent means "latest".
type ReportRequest struct {
	Identifier string `json:"identifier"`
	Year       *int   `json:"year,omitempty"`
}

// ReportEntryPayload is what's stored for a Report Entry: a reference to
// the binary artifact plus the extracted structured payload.
type ReportEntryPayload struct {
	ArtifactPath string          `json:"artifact_path"`
	Data         json.RawMessage `json:"data"`
	Year         int             `json:"year"`
}

// ReportResponse is the public shape returned for report().
type ReportResponse struct {
	ArtifactPath string          `json:"artifact_path"`
	Data         json.RawMessage `json:"data"`
	Year         int             `json:"year"`
	CacheHit     bool            `json:"cache_hit"`
}

//encore:api public method=GET path=/report/:identifier
func Report(ctx context.Context, identifier string, year int) (*ReportResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	var y *int
	if year != 0 {
		y = &year
	}
	return svc.report(ctx, &ReportRequest{Identifier: identifier, Year: y})
}

func (s *Service) report(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	start := time.Now()
	var cacheHit bool
	defer func() { s.logAndMetric("report", req.Identifier, start, cacheHit, false)() }()

	if err := bulkindex.ValidateIdentifier(req.Identifier); err != nil {
		s.noteValidation(err)
		return nil, err
	}

	docs, _, _, err := s.readOrFetchDocuments(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}

	doc, resolvedYear, err := selectDocument(docs, req.Year)
	if err != nil {
		return nil, err
	}

	key := reportKey(req.Identifier, resolvedYear)
	entry, err := s.stores.Reports.Read(ctx, key)
	if err != nil {
		entry = nil
	}
	if entry.Classify(time.Now()) == cachestore.Fresh {
		cacheHit = true
		var p ReportEntryPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to decode cached report", err)
		}
		return &ReportResponse{ArtifactPath: p.ArtifactPath, Data: p.Data, Year: p.Year, CacheHit: true}, nil
	}

	v, _, err := s.coord.Do(key, func() (any, error) {
		body, err := s.client.DownloadDocument(ctx, doc.DocumentID)
		if err != nil {
			return nil, err
		}

		artifactPath, err := s.blobs.Put(ctx, req.Identifier, resolvedYear, doc.DocumentID+".zip", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		// Structured-data extraction from the downloaded artifact is
		// out of scope; Data is always stored as an empty JSON object
		// and the artifact itself is reachable via ArtifactPath.
		p := ReportEntryPayload{ArtifactPath: artifactPath, Data: json.RawMessage("{}"), Year: resolvedYear}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to encode report entry", err)
		}
		if _, err := s.stores.Reports.Write(ctx, key, raw); err != nil {
			_ = err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(ReportEntryPayload)
	return &ReportResponse{ArtifactPath: p.ArtifactPath, Data: p.Data, Year: p.Year, CacheHit: false}, nil
}

// selectDocument picks the document whose reporting-period-end year
// matches year (or the latest if year is nil), ordered by
// reporting-period-end date descending then registration timestamp
// descending, first match wins (spec.md §4.8).
func selectDocument(docs []upstream.DocumentDescriptor, year *int) (upstream.DocumentDescriptor, int, error) {
	sorted := make([]upstream.DocumentDescriptor, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ReportingPeriodEnd.Equal(sorted[j].ReportingPeriodEnd) {
			return sorted[i].ReportingPeriodEnd.After(sorted[j].ReportingPeriodEnd)
		}
		return sorted[i].RegisteredAt.After(sorted[j].RegisteredAt)
	})

	if year == nil {
		if len(sorted) == 0 {
			return upstream.DocumentDescriptor{}, 0, apperr.New(apperr.KindNotFound, "no report documents available")
		}
		return sorted[0], sorted[0].ReportingPeriodEnd.Year(), nil
	}

	for _, d := range sorted {
		if d.ReportingPeriodEnd.Year() == *year {
			return d, *year, nil
		}
	}
	return upstream.DocumentDescriptor{}, 0, apperr.New(apperr.KindNotFound, "no report for requested year")
}

// StatsResponse reports the operational snapshot spec.md §4.8 requires.
type StatsResponse struct {
	Counters      observability.Counters `json:"counters"`
	CacheHitRate  float64                `json:"cache_hit_rate_24h"`
	DetailsSize   int                    `json:"details_cache_size"`
	DocumentsSize int                    `json:"documents_cache_size"`
	ReportsSize   int                    `json:"reports_cache_size"`
	UptimeSeconds float64                `json:"uptime_seconds"`
}

//encore:api public method=GET path=/stats
func Stats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.stats(ctx)
}

func (s *Service) stats(ctx context.Context) (*StatsResponse, error) {
	defer s.logAndMetric("stats", "", time.Now(), false, false)()

	rate, err := s.reqLog.CacheHitRate24h(ctx)
	if err != nil {
		rate = 0
	}
	detailsSize, _ := s.stores.Details.Size(ctx)
	documentsSize, _ := s.stores.Documents.Size(ctx)
	reportsSize, _ := s.stores.Reports.Size(ctx)

	return &StatsResponse{
		Counters:      s.metrics.Counters(),
		CacheHitRate:  rate,
		DetailsSize:   detailsSize,
		DocumentsSize: documentsSize,
		ReportsSize:   reportsSize,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}, nil
}

func (s *Service) noteValidation(err error) {
	if apperr.KindOf(err) == apperr.KindValidation {
		s.metrics.RecordValidationError()
	}
}

// logAndMetric returns a closure to defer: it records request-log and
// metrics bookkeeping exactly once per completed public call (spec.md
// invariant 6), independent of which return path was taken.
func (s *Service) logAndMetric(operation, identifier string, start time.Time, cacheHit, stale bool) func() {
	return func() {
		latency := time.Since(start)
		s.metrics.RecordRequest(operation, latency)
		if cacheHit {
			s.metrics.RecordCacheHit(stale)
		} else {
			s.metrics.RecordCacheMiss()
		}

		entry := observability.RequestLogEntry{
			Operation:     operation,
			Identifier:    identifier,
			CacheHit:      cacheHit,
			Stale:         stale,
			LatencyMS:     latency.Milliseconds(),
			CorrelationID: uuid.NewString(),
			Timestamp:     time.Now(),
		}
		// Observability is best-effort: a logging failure must never
		// surface as a query error.
		_ = s.reqLog.Append(context.Background(), entry)
	}
}
