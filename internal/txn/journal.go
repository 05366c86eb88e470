package txn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"math"
	"os"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/cbdstore/internal/docstore"
)

// A journal is a portable copy of the transaction log: one JSON transaction
// per line followed by a 32-byte footer.
//
//	[0:8]   magic "CBDJRN01"
//	[8:16]  body length, little endian
//	[16:24] ^body length
//	[24:28] CRC32C of the body
//	[28:32] ^CRC32C
//
// The file is written with an atomic rename, so a journal without a valid
// footer was not produced by ExportJournal and is rejected as corrupt.
const (
	journalMagic      = "CBDJRN01"
	journalFooterSize = 32
)

var journalCRC32C = crc32.MakeTable(crc32.Castagnoli)

// ExportJournal writes every transaction of seq to path and returns how
// many were written.
func ExportJournal(ctx context.Context, path string, seq iter.Seq2[*docstore.Transaction, error]) (int, error) {
	var body bytes.Buffer

	enc := json.NewEncoder(&body)
	n := 0

	for t, err := range seq {
		if err != nil {
			return 0, fmt.Errorf("export journal: %w", err)
		}

		if ctx.Err() != nil {
			return 0, fmt.Errorf("export journal: %w", context.Cause(ctx))
		}

		err = enc.Encode(t)
		if err != nil {
			return 0, fmt.Errorf("export journal: encode %s: %w", t.ID, err)
		}

		n++
	}

	body.Write(encodeJournalFooter(body.Bytes()))

	err := atomic.WriteFile(path, &body)
	if err != nil {
		return 0, fmt.Errorf("export journal: write %s: %w", path, err)
	}

	return n, nil
}

func encodeJournalFooter(body []byte) []byte {
	footer := make([]byte, journalFooterSize)
	copy(footer[:8], journalMagic)

	bodyLen := uint64(len(body))
	binary.LittleEndian.PutUint64(footer[8:16], bodyLen)
	binary.LittleEndian.PutUint64(footer[16:24], ^bodyLen)

	crc := crc32.Checksum(body, journalCRC32C)
	binary.LittleEndian.PutUint32(footer[24:28], crc)
	binary.LittleEndian.PutUint32(footer[28:32], ^crc)

	return footer
}

// ReadJournal validates and decodes a journal file.
func ReadJournal(path string) ([]*docstore.Transaction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	body, err := journalBody(data)
	if err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}

	txs, err := decodeJournal(body)
	if err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}

	return txs, nil
}

// journalBody checks the footer and returns the checksummed body.
func journalBody(data []byte) ([]byte, error) {
	size := len(data)
	if size < journalFooterSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the footer", ErrJournalCorrupt, size)
	}

	footer := data[size-journalFooterSize:]
	if string(footer[:8]) != journalMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrJournalCorrupt)
	}

	bodyLen := binary.LittleEndian.Uint64(footer[8:16])
	if ^bodyLen != binary.LittleEndian.Uint64(footer[16:24]) {
		return nil, fmt.Errorf("%w: length check failed", ErrJournalCorrupt)
	}

	crc := binary.LittleEndian.Uint32(footer[24:28])
	if ^crc != binary.LittleEndian.Uint32(footer[28:32]) {
		return nil, fmt.Errorf("%w: crc check failed", ErrJournalCorrupt)
	}

	if bodyLen > math.MaxInt64 || int64(bodyLen) != int64(size-journalFooterSize) {
		return nil, fmt.Errorf("%w: body length %d does not match file", ErrJournalCorrupt, bodyLen)
	}

	body := data[:bodyLen]

	checksum := crc32.Checksum(body, journalCRC32C)
	if checksum != crc {
		return nil, fmt.Errorf("%w: checksum mismatch (expected %08x got %08x)", ErrJournalCorrupt, crc, checksum)
	}

	return body, nil
}

func decodeJournal(body []byte) ([]*docstore.Transaction, error) {
	reader := bufio.NewReader(bytes.NewReader(body))

	var out []*docstore.Transaction

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read line: %w", readErr)
		}

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var t docstore.Transaction

			err := json.Unmarshal(line, &t)
			if err != nil {
				return nil, fmt.Errorf("%w: parse line %d: %w", ErrJournalCorrupt, len(out)+1, err)
			}

			if t.ID == "" {
				return nil, fmt.Errorf("%w: line %d has no transaction id", ErrJournalCorrupt, len(out)+1)
			}

			out = append(out, &t)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	return out, nil
}

// ImportJournal loads a journal into the transaction log of s, replacing
// records with the same id. With replay set, completed transactions are
// also replayed onto their documents in journal order.
func ImportJournal(ctx context.Context, s *docstore.Store, path string, replay bool) (int, error) {
	txs, err := ReadJournal(path)
	if err != nil {
		return 0, err
	}

	primary := s.WithReadPreference(docstore.ReadPrimary)

	for i, t := range txs {
		err = primary.UpsertTransaction(ctx, t)
		if err != nil {
			return i, fmt.Errorf("import journal: %w", err)
		}

		if replay && t.Status == docstore.TxCompleted {
			err = Replay(ctx, primary, t)
			if err != nil {
				return i, fmt.Errorf("import journal: %w", err)
			}
		}
	}

	return len(txs), nil
}
