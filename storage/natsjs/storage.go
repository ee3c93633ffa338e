// Package natsjs provides a storage backend on a NATS JetStream stream. Each
// aggregate maps to a concrete subject under the stream's wildcard, record
// fields ride in message headers, and the optimistic concurrency check is
// enforced server-side with an expected last sequence per subject. The
// server's message ID dedupe window makes a replayed append of the same
// record IDs harmless.
package natsjs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strandlabs/strand"
)

const (
	eventTypeHdr       = "Strand-Event-Type"
	eventSchemaHdr     = "Strand-Event-Schema"
	eventVersionHdr    = "Strand-Event-Version"
	eventTimeHdr       = "Strand-Event-Time"
	eventAggregateHdr  = "Strand-Aggregate-Id"
	eventMetaPrefixHdr = "Strand-Meta-"
	eventTimeFormat    = time.RFC3339Nano
)

// New binds a storage to a named stream on the connection.
func New(nc *nats.Conn, stream string) (*Storage, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	return &Storage{
		stream: stream,
		nc:     nc,
		js:     js,
	}, nil
}

var _ strand.Storage = (*Storage)(nil)

type Storage struct {
	stream string
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// Create adds the backing stream. The subjects default to the stream name
// plus the variadic wildcard, e.g. "orders.>". Delete and purge are denied
// since the log is append-only.
func (s *Storage) Create(config *nats.StreamConfig) error {
	cfg := nats.StreamConfig{}
	if config != nil {
		cfg = *config
	}

	cfg.Name = s.stream
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{fmt.Sprintf("%s.>", s.stream)}
	}
	cfg.DenyDelete = true
	cfg.DenyPurge = true

	_, err := s.js.AddStream(&cfg)
	return err
}

// Delete removes the backing stream and everything in it.
func (s *Storage) Delete() error {
	return s.js.DeleteStream(s.stream)
}

func (s *Storage) subject(aggregateID string) string {
	return fmt.Sprintf("%s.%s", s.stream, aggregateID)
}

// Pack a record into a NATS message. Headers carry everything but the
// payload, so consumers can be served headers-only where the data is not
// needed.
func packRecord(subject string, rec *strand.Record) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = rec.Data
	msg.Header.Set(nats.MsgIdHdr, rec.ID)
	msg.Header.Set(eventTypeHdr, rec.Type)
	msg.Header.Set(eventAggregateHdr, rec.AggregateID)
	msg.Header.Set(eventVersionHdr, strconv.FormatUint(rec.Version, 10))
	msg.Header.Set(eventTimeHdr, rec.Time.Format(eventTimeFormat))
	if rec.Schema > 0 {
		msg.Header.Set(eventSchemaHdr, strconv.FormatUint(uint64(rec.Schema), 10))
	}
	for k, v := range rec.Meta {
		msg.Header.Set(eventMetaPrefixHdr+k, v)
	}
	return msg
}

// Unpack a record from message headers and data.
func unpackRecord(header nats.Header, data []byte) (*strand.Record, error) {
	version, err := strconv.ParseUint(header.Get(eventVersionHdr), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unpack: failed to parse version: %s", err)
	}

	var schema uint64
	if h := header.Get(eventSchemaHdr); h != "" {
		schema, err = strconv.ParseUint(h, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("unpack: failed to parse schema: %s", err)
		}
	}

	recTime, err := time.Parse(eventTimeFormat, header.Get(eventTimeHdr))
	if err != nil {
		return nil, fmt.Errorf("unpack: failed to parse event time: %s", err)
	}

	var meta map[string]string
	for h := range header {
		if strings.HasPrefix(h, eventMetaPrefixHdr) {
			if meta == nil {
				meta = make(map[string]string)
			}
			// Header keys come back MIME-canonicalized, meta keys are
			// lower case.
			meta[strings.ToLower(h[len(eventMetaPrefixHdr):])] = header.Get(h)
		}
	}

	return &strand.Record{
		ID:          header.Get(nats.MsgIdHdr),
		AggregateID: header.Get(eventAggregateHdr),
		Type:        header.Get(eventTypeHdr),
		Schema:      uint32(schema),
		Version:     version,
		Time:        recTime,
		Data:        data,
		Meta:        meta,
	}, nil
}

type natsApiError struct {
	Code        int    `json:"code"`
	ErrCode     uint16 `json:"err_code"`
	Description string `json:"description"`
}

type natsGetMsgRequest struct {
	LastBySubject string `json:"last_by_subj"`
}

type natsGetMsgResponse struct {
	Type    string         `json:"type"`
	Error   *natsApiError  `json:"error"`
	Message *natsStoredMsg `json:"message"`
}

type natsStoredMsg struct {
	Sequence uint64 `json:"seq"`
	Header   []byte `json:"hdrs"`
}

// lastMsgForSubject queries the JS API for the latest message on a subject.
// This identifies both the current end of the aggregate's history and, via
// the version header, its current version.
func (s *Storage) lastMsgForSubject(ctx context.Context, subject string) (*natsStoredMsg, error) {
	rsubject := fmt.Sprintf("$JS.API.STREAM.MSG.GET.%s", s.stream)

	data, _ := json.Marshal(&natsGetMsgRequest{
		LastBySubject: subject,
	})

	msg, err := s.nc.RequestWithContext(ctx, rsubject, data)
	if err != nil {
		return nil, err
	}

	var rep natsGetMsgResponse
	err = json.Unmarshal(msg.Data, &rep)
	if err != nil {
		return nil, err
	}

	if rep.Error != nil {
		if rep.Error.Code == 404 {
			return &natsStoredMsg{}, nil
		}
		return nil, fmt.Errorf("%s (%d)", rep.Error.Description, rep.Error.Code)
	}

	return rep.Message, nil
}

// lastVersionForSubject derives the aggregate's current version from the
// latest message's version header. Zero when the subject has no messages.
func (s *Storage) lastVersionForSubject(ctx context.Context, subject string) (uint64, uint64, error) {
	last, err := s.lastMsgForSubject(ctx, subject)
	if err != nil {
		return 0, 0, err
	}

	if last.Sequence == 0 {
		return 0, 0, nil
	}

	header, err := parseHeader(last.Header)
	if err != nil {
		return 0, 0, err
	}

	version, err := strconv.ParseUint(header.Get(eventVersionHdr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("natsjs: failed to parse stored version: %s", err)
	}

	return version, last.Sequence, nil
}

// parseHeader decodes the raw header block returned by the JS API.
func parseHeader(b []byte) (nats.Header, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))

	// Skip the "NATS/1.0" status line.
	if _, err := tp.ReadLine(); err != nil {
		return nil, err
	}

	mh, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return nats.Header(mh), nil
}

func (s *Storage) Append(ctx context.Context, aggregateID string, records []*strand.Record, expectedVersion uint64) error {
	subject := s.subject(aggregateID)

	version, seq, err := s.lastVersionForSubject(ctx, subject)
	if err != nil {
		return err
	}

	if version != expectedVersion {
		return fmt.Errorf("%w: expected %d, stored %d", strand.ErrVersionConflict, expectedVersion, version)
	}

	for i, rec := range records {
		if want := expectedVersion + uint64(i) + 1; rec.Version != want {
			return fmt.Errorf("strand: record version %d, want %d", rec.Version, want)
		}
	}

	// Publish each record expecting the previous one's sequence. The first
	// publish settles any race with a concurrent appender; once it lands,
	// no other optimistic writer can interleave into the batch.
	for _, rec := range records {
		msg := packRecord(subject, rec)

		ack, err := s.js.PublishMsg(msg,
			nats.Context(ctx),
			nats.ExpectStream(s.stream),
			nats.ExpectLastSequencePerSubject(seq),
		)
		if err != nil {
			if strings.Contains(err.Error(), "wrong last sequence") {
				return fmt.Errorf("%w: %s", strand.ErrVersionConflict, err)
			}
			return err
		}

		seq = ack.Sequence
	}

	return nil
}

func (s *Storage) Read(ctx context.Context, aggregateID string, afterVersion uint64) ([]*strand.Record, error) {
	subject := s.subject(aggregateID)

	last, err := s.lastMsgForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}

	if last.Sequence == 0 {
		return nil, nil
	}

	// Ephemeral ordered consumer.. read as fast as possible with least
	// overhead.
	sub, err := s.js.SubscribeSync(subject,
		nats.OrderedConsumer(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var records []*strand.Record
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, err
		}

		md, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("natsjs: failed to get metadata: %s", err)
		}

		rec, err := unpackRecord(msg.Header, msg.Data)
		if err != nil {
			return nil, err
		}

		if rec.Version > afterVersion {
			records = append(records, rec)
		}

		if md.Sequence.Stream >= last.Sequence {
			break
		}
	}

	return records, nil
}

func (s *Storage) ReadByType(ctx context.Context, eventType string, since time.Time) ([]*strand.Record, error) {
	info, err := s.js.StreamInfo(s.stream)
	if err != nil {
		return nil, err
	}

	lastSeq := info.State.LastSeq
	if lastSeq == 0 {
		return nil, nil
	}

	sub, err := s.js.SubscribeSync(fmt.Sprintf("%s.>", s.stream),
		nats.OrderedConsumer(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var records []*strand.Record
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, err
		}

		md, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("natsjs: failed to get metadata: %s", err)
		}

		rec, err := unpackRecord(msg.Header, msg.Data)
		if err != nil {
			return nil, err
		}

		if rec.Type == eventType && (since.IsZero() || !rec.Time.Before(since)) {
			records = append(records, rec)
		}

		if md.Sequence.Stream >= lastSeq {
			break
		}
	}

	return records, nil
}

func (s *Storage) Version(ctx context.Context, aggregateID string) (uint64, error) {
	version, _, err := s.lastVersionForSubject(ctx, s.subject(aggregateID))
	return version, err
}
