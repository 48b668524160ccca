package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// defaultMultipartThreshold is the segment size above which uploads go
// through the multipart manager.
const defaultMultipartThreshold = 64 * 1024 * 1024

// JournalSource is the part of domain.EventStore the archiver reads.
type JournalSource interface {
	List(ctx context.Context, vaultID string, afterSeq uint64) ([]domain.Event, error)
}

// JournalArchiver implements domain.JournalArchiver. Each run uploads the
// events appended since the previous run as one JSONL segment at
//
//	journals/{vault_id}/{from_seq}-{to_seq}.jsonl
//
// with zero-padded sequence numbers, so listing a vault's prefix yields its
// segments in order and the last segment tells where to resume. Events are
// never deleted from the primary store.
type JournalArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	events    JournalSource
	audit     domain.AuditStore
	multipart int64
}

// NewJournalArchiver creates a JournalArchiver. audit may be nil.
func NewJournalArchiver(writer domain.BlobWriter, reader domain.BlobReader, events JournalSource, audit domain.AuditStore) *JournalArchiver {
	return &JournalArchiver{
		writer:    writer,
		reader:    reader,
		events:    events,
		audit:     audit,
		multipart: defaultMultipartThreshold,
	}
}

// ArchiveJournal uploads vaultID's events created at or before cutoff that
// no earlier segment holds, and returns how many were archived.
func (a *JournalArchiver) ArchiveJournal(ctx context.Context, vaultID string, cutoff time.Time) (int64, error) {
	last, err := a.LastArchivedSeq(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	pending, err := a.events.List(ctx, vaultID, last)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", vaultID, err)
	}
	// Stop at the first event past the cutoff so segments stay contiguous.
	n := 0
	for n < len(pending) && !pending[n].CreatedAt.After(cutoff) {
		n++
	}
	pending = pending[:n]
	if len(pending) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(pending)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", vaultID, err)
	}
	from, to := pending[0].Seq, pending[len(pending)-1].Seq
	p := segmentPath(vaultID, from, to)
	if int64(len(buf)) >= a.multipart {
		err = a.writer.PutMultipart(ctx, p, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, p, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", vaultID, err)
	}

	count := int64(len(pending))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.journal", map[string]any{
			"vault_id": vaultID,
			"path":     p,
			"count":    count,
			"from_seq": from,
			"to_seq":   to,
			"cutoff":   cutoff.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", vaultID, err)
		}
	}
	return count, nil
}

// LastArchivedSeq returns the highest sequence already archived for
// vaultID, zero if none.
func (a *JournalArchiver) LastArchivedSeq(ctx context.Context, vaultID string) (uint64, error) {
	segs, err := a.segments(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, nil
	}
	return segs[len(segs)-1].to, nil
}

// ReadJournal downloads and concatenates every archived segment of vaultID.
// The result can be passed to vault.Restore.
func (a *JournalArchiver) ReadJournal(ctx context.Context, vaultID string) ([]domain.Event, error) {
	segs, err := a.segments(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	var out []domain.Event
	var next uint64 = 1
	for _, s := range segs {
		if s.from != next {
			return nil, fmt.Errorf("s3blob: journal %s: segment %s starts at %d, want %d", vaultID, s.path, s.from, next)
		}
		events, err := a.readSegment(ctx, s.path)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		next = s.to + 1
	}
	return out, nil
}

func (a *JournalArchiver) readSegment(ctx context.Context, p string) ([]domain.Event, error) {
	body, err := a.reader.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.Event
	dec := json.NewDecoder(body)
	for {
		var ev domain.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("s3blob: decode segment %s: %w", p, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

type segment struct {
	path     string
	from, to uint64
}

func (a *JournalArchiver) segments(ctx context.Context, vaultID string) ([]segment, error) {
	infos, err := a.reader.List(ctx, journalPrefix(vaultID))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list journal %s: %w", vaultID, err)
	}
	var segs []segment
	for _, info := range infos {
		var s segment
		name := strings.TrimSuffix(path.Base(info.Path), ".jsonl")
		if _, err := fmt.Sscanf(name, "%d-%d", &s.from, &s.to); err != nil {
			continue
		}
		s.path = info.Path
		segs = append(segs, s)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].from < segs[j].from })
	return segs, nil
}

func journalPrefix(vaultID string) string {
	return "journals/" + vaultID + "/"
}

func segmentPath(vaultID string, from, to uint64) string {
	return fmt.Sprintf("%s%020d-%020d.jsonl", journalPrefix(vaultID), from, to)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.JournalArchiver = (*JournalArchiver)(nil)
