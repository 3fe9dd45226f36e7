package spancache

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"unicode/utf16"

	"github.com/klauspost/compress/zstd"
)

// IndexFileName is the name of the persisted index file inside the cache
// directory.
const IndexFileName = "cached_content.index"

const (
	indexVersionV1 = 1
	indexVersionV2 = 2
	indexVersion   = 3

	flagEncrypted  = 1
	flagCompressed = 2

	// maxIndexRecords bounds the record count accepted from disk. Anything
	// larger is treated as corruption.
	maxIndexRecords = 1 << 20
)

// Legacy (v1/v2) metadata entry names, translated to the current names on
// load.
var legacyMetadataNames = map[string]string{
	"exo_len":   MetadataContentLength,
	"exo_redir": MetadataRedirectedURI,
}

// indexEntry is one persisted content record.
type indexEntry struct {
	id       int32
	key      string
	metadata ContentMetadata
}

// indexStorage persists the content index as a single flat file, written
// atomically via temp-file-and-rename. The payload may be zstd compressed
// and AES-CBC encrypted, signalled by the flags field.
type indexStorage struct {
	path     string
	cipher   cipher.Block // nil when no secret key configured
	encrypt  bool
	compress bool
	uid      int64
}

func newIndexStorage(dir string, secretKey []byte, encrypt, compress bool) (*indexStorage, error) {
	s := &indexStorage{
		path:     filepath.Join(dir, IndexFileName),
		encrypt:  encrypt,
		compress: compress,
	}
	if secretKey != nil {
		if len(secretKey) != 16 {
			return nil, errors.New("spancache: secret key must be 16 bytes")
		}
		block, err := aes.NewCipher(secretKey)
		if err != nil {
			return nil, err
		}
		s.cipher = block
	}
	if encrypt && s.cipher == nil {
		return nil, errors.New("spancache: encryption requires a secret key")
	}
	return s, nil
}

func (s *indexStorage) initialize(uid int64) {
	s.uid = uid
}

// load reads and parses the persisted index. Any failure (missing file,
// short data, unknown version or flags, checksum mismatch, missing or wrong
// decryption key) yields ok=false: the caller starts from an empty index
// and the directory scan recovers the spans.
func (s *indexStorage) load() ([]indexEntry, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	if len(data) < 8 {
		return nil, false
	}
	version := int32(binary.BigEndian.Uint32(data[0:4]))
	flags := int32(binary.BigEndian.Uint32(data[4:8]))
	payload := data[8:]

	if version < indexVersionV1 || version > indexVersion {
		return nil, false
	}
	knownFlags := int32(flagEncrypted)
	if version >= indexVersion {
		knownFlags |= flagCompressed
	}
	if flags&^knownFlags != 0 {
		return nil, false
	}

	if flags&flagEncrypted != 0 {
		payload, err = s.decrypt(payload)
		if err != nil {
			return nil, false
		}
	}
	if flags&flagCompressed != 0 {
		payload, err = zstdDecode(payload)
		if err != nil {
			return nil, false
		}
	}
	return parseIndexPayload(version, payload)
}

// store atomically persists the full set of records in the current format.
// Unlike load failures, a store failure is real data loss (metadata exists
// nowhere else) and is returned to the caller.
func (s *indexStorage) store(entries []indexEntry) error {
	payload, err := encodeIndexPayload(entries)
	if err != nil {
		return cacheErr("store index", err)
	}
	if s.compress {
		payload, err = zstdEncode(payload)
		if err != nil {
			return cacheErr("store index", err)
		}
	}
	if s.encrypt {
		payload, err = s.encryptPayload(payload)
		if err != nil {
			return cacheErr("store index", err)
		}
	}

	var flags int32
	if s.encrypt {
		flags |= flagEncrypted
	}
	if s.compress {
		flags |= flagCompressed
	}
	var head [8]byte
	binary.BigEndian.PutUint32(head[0:4], uint32(indexVersion))
	binary.BigEndian.PutUint32(head[4:8], uint32(flags))

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "index-*.tmp")
	if err != nil {
		return cacheErr("store index", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(head[:]); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return cacheErr("store index", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return cacheErr("store index", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return cacheErr("store index", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return cacheErr("store index", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return cacheErr("store index", err)
	}
	return nil
}

func encodeIndexPayload(entries []indexEntry) ([]byte, error) {
	var buf bytes.Buffer
	writeInt32(&buf, int32(len(entries)))

	var hash int32
	for _, e := range entries {
		writeInt32(&buf, e.id)
		if err := writeUTF(&buf, e.key); err != nil {
			return nil, err
		}
		names := e.metadata.Names()
		writeInt32(&buf, int32(len(names)))
		for _, name := range names {
			value, _ := e.metadata.Get(name)
			if err := writeUTF(&buf, name); err != nil {
				return nil, err
			}
			writeInt32(&buf, int32(len(value)))
			buf.Write(value)
		}
		hash += entryHash(indexVersion, e.id, e.key, 0, e.metadata)
	}
	writeInt32(&buf, hash)
	return buf.Bytes(), nil
}

func parseIndexPayload(version int32, payload []byte) ([]indexEntry, bool) {
	r := &byteReader{data: payload}
	count := r.int32()
	if r.failed || count < 0 || count > maxIndexRecords {
		return nil, false
	}

	entries := make([]indexEntry, 0, count)
	var hash int32
	for i := int32(0); i < count; i++ {
		id := r.int32()
		key := r.utf()
		if r.failed {
			return nil, false
		}
		if version == indexVersionV1 {
			length := r.int64()
			if r.failed {
				return nil, false
			}
			hash += entryHash(version, id, key, length, emptyContentMetadata)
			md := emptyContentMetadata
			if length != LengthUnset {
				var v [8]byte
				binary.BigEndian.PutUint64(v[:], uint64(length))
				md = contentMetadataOf(map[string][]byte{MetadataContentLength: v[:]})
			}
			entries = append(entries, indexEntry{id: id, key: key, metadata: md})
			continue
		}

		entryCount := r.int32()
		if r.failed || entryCount < 0 || entryCount > maxIndexRecords {
			return nil, false
		}
		raw := make(map[string][]byte, entryCount)
		for j := int32(0); j < entryCount; j++ {
			name := r.utf()
			valueLen := r.int32()
			if r.failed || valueLen < 0 {
				return nil, false
			}
			value := r.bytes(int(valueLen))
			if r.failed {
				return nil, false
			}
			raw[name] = value
		}
		hash += entryHash(version, id, key, 0, ContentMetadata{entries: raw})
		if version < indexVersion {
			raw = translateLegacyNames(raw)
		}
		entries = append(entries, indexEntry{id: id, key: key, metadata: ContentMetadata{entries: raw}})
	}

	stored := r.int32()
	if r.failed || r.off != len(r.data) || stored != hash {
		return nil, false
	}
	return entries, true
}

func translateLegacyNames(raw map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(raw))
	for name, value := range raw {
		if current, ok := legacyMetadataNames[name]; ok {
			name = current
		}
		out[name] = value
	}
	return out
}

// entryHash computes the per-record checksum contribution. The formula is
// fixed by the legacy on-disk format: Java-style string and array hashes,
// combined with multiply-by-31 accumulation, summed over records with int32
// wraparound. v1 hashes the content length; later versions hash the
// metadata map under its stored entry names.
func entryHash(version, id int32, key string, length int64, md ContentMetadata) int32 {
	h := id
	h = 31*h + javaStringHash(key)
	if version == indexVersionV1 {
		return 31*h + int32(uint32(uint64(length)^(uint64(length)>>32)))
	}
	var mdHash int32
	for name, value := range md.entries {
		mdHash += javaStringHash(name) ^ javaBytesHash(value)
	}
	return 31*h + mdHash
}

func javaStringHash(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(u)
	}
	return h
}

func javaBytesHash(b []byte) int32 {
	h := int32(1)
	for _, v := range b {
		h = 31*h + int32(int8(v))
	}
	return h
}

func (s *indexStorage) encryptPayload(plaintext []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	cipher.NewCBCEncrypter(s.cipher, iv).CryptBlocks(padded, padded)
	return append(iv, padded...), nil
}

func (s *indexStorage) decrypt(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return nil, errors.New("no secret key")
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("bad ciphertext length")
	}
	iv := data[:aes.BlockSize]
	out := make([]byte, len(data)-aes.BlockSize)
	copy(out, data[aes.BlockSize:])
	cipher.NewCBCDecrypter(s.cipher, iv).CryptBlocks(out, out)

	padLen := int(out[len(out)-1])
	if padLen < 1 || padLen > aes.BlockSize || padLen > len(out) {
		return nil, errors.New("bad padding")
	}
	for _, b := range out[len(out)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("bad padding")
		}
	}
	return out[:len(out)-padLen], nil
}

func zstdEncode(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func zstdDecode(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// writeInt32 and friends mirror the big-endian field encoding of the index
// file format.
func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeUTF(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long for index: %d bytes", len(s))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
	return nil
}

// byteReader is a cursor over the index payload. The first failed read
// poisons it; callers check failed after a batch of reads.
type byteReader struct {
	data   []byte
	off    int
	failed bool
}

func (r *byteReader) bytes(n int) []byte {
	if r.failed || n < 0 || r.off+n > len(r.data) {
		r.failed = true
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *byteReader) int32() int32 {
	b := r.bytes(4)
	if r.failed {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *byteReader) int64() int64 {
	b := r.bytes(8)
	if r.failed {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *byteReader) uint16() uint16 {
	b := r.bytes(2)
	if r.failed {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *byteReader) utf() string {
	n := r.uint16()
	b := r.bytes(int(n))
	if r.failed {
		return ""
	}
	return string(b)
}
