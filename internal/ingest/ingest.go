// Package ingest is the collector's record pipeline, independent of the
// transport: decode, authenticate, validate, assign a fallback session and
// persist. Only an authentication failure is fatal to a connection.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/uxtrace/internal/models"
	"github.com/vincentbai/uxtrace/internal/observability"
)

var (
	ErrMalformed    = errors.New("ingest: malformed payload")
	ErrUnauthorized = errors.New("ingest: invalid API key")
	ErrInvalid      = errors.New("ingest: incomplete record")
	ErrPersist      = errors.New("ingest: persistence failed")
)

// Store is the persistence collaborator. It must tolerate concurrent calls.
type Store interface {
	InsertEvent(ctx context.Context, event models.StoredEvent) error
}

// BatchStore persists several records at once, all or nothing.
type BatchStore interface {
	Store
	InsertEvents(ctx context.Context, events []models.StoredEvent) error
}

// Credentials is the read-only set of accepted API keys.
type Credentials map[string]struct{}

func NewCredentials(keys []string) Credentials {
	c := make(Credentials, len(keys))
	for _, key := range keys {
		if key != "" {
			c[key] = struct{}{}
		}
	}
	return c
}

func (c Credentials) Contains(key string) bool {
	if key == "" {
		return false
	}
	_, ok := c[key]
	return ok
}

// ConnInfo identifies the connection a record arrived on.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	AcceptedAt time.Time
}

// FallbackSessionID is the session id given to records that arrive without
// one: the remote host and the acceptance time in unix milliseconds.
func (c ConnInfo) FallbackSessionID() string {
	host := c.RemoteAddr
	if h, _, err := net.SplitHostPort(c.RemoteAddr); err == nil {
		host = h
	}
	return host + "-" + strconv.FormatInt(c.AcceptedAt.UnixMilli(), 10)
}

type Options struct {
	Store       Store
	Credentials Credentials
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Processor struct {
	store       Store
	credentials Credentials
	metrics     *observability.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewProcessor(opts Options) *Processor {
	p := &Processor{
		store:       opts.Store,
		credentials: opts.Credentials,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         opts.Now,
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetrics()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Process runs one frame through the pipeline. The returned error says what
// happened to the record; only ErrUnauthorized means the connection must be
// terminated.
func (p *Processor) Process(ctx context.Context, conn ConnInfo, payload []byte) error {
	record, err := Decode(payload)
	if err != nil {
		p.metrics.RecordsTotal.WithLabelValues("unknown", observability.OutcomeMalformed).Inc()
		p.log.Warn().Err(err).Str("conn", conn.ID).Int("bytes", len(payload)).Msg("malformed payload dropped")
		return err
	}
	if err := p.Authorize(record.APIKey); err != nil {
		p.metrics.RecordsTotal.WithLabelValues(kindLabel(record.Event), observability.OutcomeUnauthorized).Inc()
		p.log.Warn().Str("conn", conn.ID).Str("remote", conn.RemoteAddr).Msg("invalid API key")
		return err
	}
	stored, err := p.Prepare(conn, record)
	if err != nil {
		return err
	}
	return p.Persist(ctx, conn, stored)
}

// Decode parses one wire record.
func Decode(payload []byte) (models.CapturedEvent, error) {
	var record models.CapturedEvent
	if trimmed := bytes.TrimSpace(payload); len(trimmed) == 0 || trimmed[0] != '{' {
		return record, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		// A credential of the wrong type is an unknown credential, not a
		// malformed record: it must still end the connection.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "apiKey" {
			record.APIKey = ""
			return record, nil
		}
		return record, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return record, nil
}

func (p *Processor) Authorize(apiKey string) error {
	if !p.credentials.Contains(apiKey) {
		return ErrUnauthorized
	}
	return nil
}

// Prepare validates the record and turns it into what is persisted, with
// the ingestion time and, if needed, the connection's fallback session.
func (p *Processor) Prepare(conn ConnInfo, record models.CapturedEvent) (models.StoredEvent, error) {
	if err := record.Validate(); err != nil {
		p.metrics.RecordsTotal.WithLabelValues(kindLabel(record.Event), observability.OutcomeInvalid).Inc()
		p.log.Warn().Err(err).Str("conn", conn.ID).Str("event", record.Event).Msg("invalid record dropped")
		return models.StoredEvent{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if _, err := models.DecodeDetails(record.Event, record.Details); err != nil {
		p.log.Debug().Err(err).Str("conn", conn.ID).Msg("details do not match their event kind")
	}

	stored := models.StoredEvent{
		Event:           record.Event,
		Details:         record.Details,
		ClientTimestamp: record.Timestamp,
		UserAgent:       record.UserAgent,
		SessionID:       record.SessionID,
		RemoteAddr:      conn.RemoteAddr,
		ReceivedAt:      p.now().UTC(),
	}
	if componentType, ok := record.Details[models.ComponentTypeField].(string); ok {
		stored.ComponentType = componentType
	}
	if stored.SessionID == "" {
		stored.SessionID = conn.FallbackSessionID()
		stored.FallbackSession = true
	}
	return stored, nil
}

// Persist stores one prepared record. A failure is logged and reported but
// leaves the connection alone.
func (p *Processor) Persist(ctx context.Context, conn ConnInfo, stored models.StoredEvent) error {
	if err := p.store.InsertEvent(ctx, stored); err != nil {
		p.metrics.RecordsTotal.WithLabelValues(kindLabel(stored.Event), observability.OutcomeStoreError).Inc()
		p.log.Error().Err(err).Str("conn", conn.ID).Str("event", stored.Event).Str("session", stored.SessionID).Msg("failed to persist record")
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	p.persisted(conn, stored)
	return nil
}

// ProcessBatch handles the HTTP batch shape. The credential is taken from
// apiKey when set, else from each record; any unauthorized record rejects the
// whole batch before anything is stored. Invalid records are dropped and the
// rest are stored in one transaction.
func (p *Processor) ProcessBatch(ctx context.Context, conn ConnInfo, batch models.Batch, apiKey string) (int, error) {
	for _, record := range batch.Events {
		key := apiKey
		if key == "" {
			key = record.APIKey
		}
		if err := p.Authorize(key); err != nil {
			p.metrics.RecordsTotal.WithLabelValues(kindLabel(record.Event), observability.OutcomeUnauthorized).Inc()
			p.log.Warn().Str("conn", conn.ID).Str("remote", conn.RemoteAddr).Msg("invalid API key in batch")
			return 0, err
		}
	}

	stored := make([]models.StoredEvent, 0, len(batch.Events))
	for _, record := range batch.Events {
		prepared, err := p.Prepare(conn, record)
		if err != nil {
			continue
		}
		stored = append(stored, prepared)
	}
	if len(stored) == 0 {
		return 0, nil
	}

	batchStore, ok := p.store.(BatchStore)
	if !ok {
		persisted := 0
		for _, event := range stored {
			if err := p.Persist(ctx, conn, event); err == nil {
				persisted++
			}
		}
		return persisted, nil
	}
	if err := batchStore.InsertEvents(ctx, stored); err != nil {
		for _, event := range stored {
			p.metrics.RecordsTotal.WithLabelValues(kindLabel(event.Event), observability.OutcomeStoreError).Inc()
		}
		p.log.Error().Err(err).Str("conn", conn.ID).Int("records", len(stored)).Msg("failed to persist batch")
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	for _, event := range stored {
		p.persisted(conn, event)
	}
	return len(stored), nil
}

func (p *Processor) persisted(conn ConnInfo, stored models.StoredEvent) {
	p.metrics.RecordsTotal.WithLabelValues(kindLabel(stored.Event), observability.OutcomePersisted).Inc()
	if stored.FallbackSession {
		p.metrics.FallbackSessions.Inc()
	}
	p.log.Debug().Str("conn", conn.ID).Str("event", stored.Event).Str("session", stored.SessionID).Msg("record persisted")
}

// kindLabel keeps metric label cardinality bounded to the known kinds.
func kindLabel(kind string) string {
	if models.IsKnownKind(kind) {
		return kind
	}
	return "other"
}
