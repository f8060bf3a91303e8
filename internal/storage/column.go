package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"agentlog/internal/database/models"

	"github.com/klauspost/compress/zstd"
)

// blockMagic prefixes every sealed block.
var blockMagic = []byte("AGLOG001")

// footerSize is RowCount(4) + MinTs(8) + MaxTs(8).
const footerSize = 20

var (
	ErrInvalidBlock   = errors.New("invalid block header")
	ErrColumnMismatch = errors.New("column length mismatch")
)

// columns is the columnar layout shared by the active block and decoded sealed blocks.
type columns struct {
	ts       []int64
	levels   []uint8
	ids      []string
	agents   []string
	sources  []string
	sessions []string
	messages []string
	contexts []string // JSON, empty when absent
	metadata []string // JSON, empty when absent
	raws     []string
}

func (c *columns) len() int {
	return len(c.ts)
}

func (c *columns) append(e *models.LogEntry) error {
	ctxJSON, err := encodeMap(e.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	metaJSON, err := encodeMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	c.ts = append(c.ts, e.Timestamp.UnixNano())
	c.levels = append(c.levels, uint8(e.Level.Rank()))
	c.ids = append(c.ids, e.ID)
	c.agents = append(c.agents, e.AgentID)
	c.sources = append(c.sources, e.Source)
	c.sessions = append(c.sessions, e.SessionID)
	c.messages = append(c.messages, e.Message)
	c.contexts = append(c.contexts, ctxJSON)
	c.metadata = append(c.metadata, metaJSON)
	c.raws = append(c.raws, e.Raw)
	return nil
}

func (c *columns) stringCols() []*[]string {
	return []*[]string{&c.ids, &c.agents, &c.sources, &c.sessions, &c.messages, &c.contexts, &c.metadata, &c.raws}
}

// rawSize estimates the uncompressed footprint of the columns.
func (c *columns) rawSize() int {
	size := len(c.ts) * 9
	for _, col := range c.stringCols() {
		for _, s := range *col {
			size += len(s) + 4
		}
	}
	return size
}

// entry rebuilds row i as a canonical entry.
func (c *columns) entry(i int) *models.LogEntry {
	e := &models.LogEntry{
		ID:        c.ids[i],
		Timestamp: unixNanoUTC(c.ts[i]),
		Level:     models.Levels[c.levels[i]],
		Message:   c.messages[i],
		Source:    c.sources[i],
		AgentID:   c.agents[i],
		SessionID: c.sessions[i],
		Raw:       c.raws[i],
	}
	e.Context = decodeMap(c.contexts[i])
	e.Metadata = decodeMap(c.metadata[i])
	e.Partition = models.PartitionKey(e.Timestamp)
	return e
}

// codec compresses and decompresses sealed blocks. EncodeAll and DecodeAll are
// safe for concurrent use.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (cd *codec) close() {
	cd.encoder.Close()
	cd.decoder.Close()
}

// seal encodes columns as: magic | ts | levels | string columns | footer.
// Every column is a zstd frame prefixed with its compressed size.
func (cd *codec) seal(c *columns, minTs, maxTs int64) []byte {
	var out bytes.Buffer
	out.Write(blockMagic)

	tsBuf := make([]byte, 0, len(c.ts)*8)
	for _, v := range c.ts {
		tsBuf = binary.LittleEndian.AppendUint64(tsBuf, uint64(v))
	}
	cd.writeFrame(&out, tsBuf)
	cd.writeFrame(&out, c.levels)

	for _, col := range c.stringCols() {
		buf := make([]byte, 0, 64*len(*col))
		for _, s := range *col {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
		cd.writeFrame(&out, buf)
	}

	footer := make([]byte, 0, footerSize)
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(c.ts)))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(minTs))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(maxTs))
	out.Write(footer)

	return out.Bytes()
}

func (cd *codec) writeFrame(out *bytes.Buffer, raw []byte) {
	compressed := cd.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2+16))
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(compressed)))
	out.Write(size[:])
	out.Write(compressed)
}

// unseal decodes a sealed block back into columns.
func (cd *codec) unseal(data []byte) (*columns, error) {
	if len(data) < len(blockMagic)+footerSize || !bytes.Equal(data[:len(blockMagic)], blockMagic) {
		return nil, ErrInvalidBlock
	}
	footer := data[len(data)-footerSize:]
	rowCount := int(binary.LittleEndian.Uint32(footer[0:4]))
	body := data[len(blockMagic) : len(data)-footerSize]

	tsRaw, body, err := cd.readFrame(body)
	if err != nil {
		return nil, err
	}
	c := &columns{ts: make([]int64, 0, len(tsRaw)/8)}
	for i := 0; i+8 <= len(tsRaw); i += 8 {
		c.ts = append(c.ts, int64(binary.LittleEndian.Uint64(tsRaw[i:])))
	}

	if c.levels, body, err = cd.readFrame(body); err != nil {
		return nil, err
	}

	for _, col := range c.stringCols() {
		var raw []byte
		if raw, body, err = cd.readFrame(body); err != nil {
			return nil, err
		}
		*col, err = decodeStrings(raw, rowCount)
		if err != nil {
			return nil, err
		}
	}

	if len(c.ts) != rowCount || len(c.levels) != rowCount {
		return nil, ErrColumnMismatch
	}
	for _, lvl := range c.levels {
		if int(lvl) >= len(models.Levels) {
			return nil, fmt.Errorf("%w: level %d", ErrInvalidBlock, lvl)
		}
	}
	return c, nil
}

func (cd *codec) readFrame(body []byte) ([]byte, []byte, error) {
	if len(body) < 4 {
		return nil, nil, ErrInvalidBlock
	}
	size := int(binary.LittleEndian.Uint32(body))
	body = body[4:]
	if size > len(body) {
		return nil, nil, ErrInvalidBlock
	}
	raw, err := cd.decoder.DecodeAll(body[:size], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress column: %w", err)
	}
	return raw, body[size:], nil
}

func decodeStrings(data []byte, rowCount int) ([]string, error) {
	out := make([]string, 0, min(rowCount, len(data)/4))
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrInvalidBlock
		}
		n := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if n > len(data) {
			return nil, ErrInvalidBlock
		}
		out = append(out, string(data[:n]))
		data = data[n:]
	}
	if len(out) != rowCount {
		return nil, ErrColumnMismatch
	}
	return out, nil
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
