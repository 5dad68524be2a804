// Package storage implements BlockStorage, the sentry's on-disk record of
// witnesses, proofs and block metadata, laid out one directory per block
// hash under {output_dir}/{chain}/ with FIFO retention.
package storage

import (
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/types"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	metadataFileName = "metadata.json"
	witnessFileName  = "data.json.gz"
	proofSubdir      = "proof"
)

// BlockStorage is the process-wide persistence layer. Every method is safe
// for concurrent use; a single mutex guards the filesystem and the FIFO
// retention queue together, since eviction must observe a consistent view of
// both.
type BlockStorage struct {
	mu sync.Mutex

	root    string // {output_dir}/{chain}
	retain  int    // 0 means unbounded
	order   []types.BlockHash
	enabled bool
}

// New builds a BlockStorage rooted at filepath.Join(outputDir, chain). If
// outputDir is empty, disk persistence is disabled and every operation is a
// silent no-op, matching spec.md's "output_dir optional; enables disk
// persistence" configuration rule.
func New(outputDir, chain string, retain int) (*BlockStorage, error) {
	if outputDir == "" {
		return &BlockStorage{enabled: false}, nil
	}
	root := filepath.Join(outputDir, chain)
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.Wrap(err, "could not create block storage root")
	}
	bs := &BlockStorage{root: root, retain: retain, enabled: true}
	if err := bs.loadExistingOrder(); err != nil {
		return nil, err
	}
	return bs, nil
}

// loadExistingOrder seeds the FIFO retention queue from directories already
// on disk, ordered by directory modification time, so a restarted sentry
// continues evicting in the same order it would have chosen had it never
// stopped.
func (b *BlockStorage) loadExistingOrder() error {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "could not list block storage root")
	}
	type dirInfo = struct {
		hash    types.BlockHash
		modTime int64
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hash, ok := parseBlockHash(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{hash: hash, modTime: info.ModTime().UnixNano()})
	}
	sortByModTime(dirs)
	for _, d := range dirs {
		b.order = append(b.order, d.hash)
	}
	return nil
}

func sortByModTime(dirs []struct {
	hash    types.BlockHash
	modTime int64
}) {
	for i := 1; i < len(dirs); i++ {
		for j := i; j > 0 && dirs[j-1].modTime > dirs[j].modTime; j-- {
			dirs[j-1], dirs[j] = dirs[j], dirs[j-1]
		}
	}
}

func parseBlockHash(name string) (types.BlockHash, bool) {
	var h types.BlockHash
	if len(name) != 66 || name[:2] != "0x" {
		return h, false
	}
	n, err := hex.DecodeString(name[2:])
	if err != nil || len(n) != 32 {
		return h, false
	}
	copy(h[:], n)
	return h, true
}

func (b *BlockStorage) blockDir(hash types.BlockHash) string {
	return filepath.Join(b.root, hash.String())
}

// SaveElData persists an ElBlockWitness: writes/updates metadata.json and
// the gzipped witness, then evicts the oldest block directory if retention
// would otherwise be exceeded.
func (b *BlockStorage) SaveElData(witness types.ElBlockWitness) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := b.blockDir(witness.BlockHash)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrap(err, "could not create block directory")
	}

	num := witness.BlockNumber
	if err := b.mergeMetadataLocked(witness.BlockHash, types.BlockMetadata{
		BlockHash:   witness.BlockHash,
		BlockNumber: &num,
		GasUsed:     witness.GasUsed,
	}); err != nil {
		return err
	}

	if err := writeGzipJSON(filepath.Join(dir, witnessFileName), witness); err != nil {
		return errors.Wrap(err, "could not write witness data")
	}

	b.noteSavedLocked(witness.BlockHash)
	return b.evictIfNeededLocked()
}

// SaveClData persists CL-observed metadata for a block hash: its slot and
// beacon block root. It never touches EL-only fields.
func (b *BlockStorage) SaveClData(hash types.BlockHash, slot types.Slot, beaconRoot types.BlockRoot) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := b.blockDir(hash)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrap(err, "could not create block directory")
	}
	if err := b.mergeMetadataLocked(hash, types.BlockMetadata{
		BlockHash:       hash,
		Slot:            &slot,
		BeaconBlockRoot: &beaconRoot,
	}); err != nil {
		return err
	}
	b.noteSavedLocked(hash)
	return b.evictIfNeededLocked()
}

// mergeMetadataLocked reads the existing metadata.json (if any), merges in
// the new fields without clearing what the other write path already set,
// and writes it back. Caller must hold b.mu.
func (b *BlockStorage) mergeMetadataLocked(hash types.BlockHash, update types.BlockMetadata) error {
	path := filepath.Join(b.blockDir(hash), metadataFileName)
	existing := types.BlockMetadata{BlockHash: hash}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			log.WithError(err).Warn("could not parse existing block metadata, overwriting")
			existing = types.BlockMetadata{BlockHash: hash}
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "could not read existing block metadata")
	}
	existing.Merge(update)
	data, err := json.Marshal(existing)
	if err != nil {
		return errors.Wrap(err, "could not marshal block metadata")
	}
	return os.WriteFile(path, data, filePerm)
}

// SaveProof persists a proof's bytes under the block's proof subdirectory,
// one gzipped JSON file per proof type.
func (b *BlockStorage) SaveProof(hash types.BlockHash, proofType types.ProofType, proof types.Proof) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.blockDir(hash), proofSubdir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrap(err, "could not create proof directory")
	}
	path := filepath.Join(dir, proofType.Name+".json")
	return errors.Wrap(writeGzipJSON(path, proof), "could not write proof")
}

// LoadElData returns the persisted witness for a block hash, or false if
// none was ever saved.
func (b *BlockStorage) LoadElData(hash types.BlockHash) (types.ElBlockWitness, bool, error) {
	if !b.enabled {
		return types.ElBlockWitness{}, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var witness types.ElBlockWitness
	ok, err := readGzipJSON(filepath.Join(b.blockDir(hash), witnessFileName), &witness)
	if err != nil || !ok {
		return types.ElBlockWitness{}, false, err
	}
	return witness, true, nil
}

// LoadProof returns the persisted proof for a (block hash, proof type) pair,
// or false if none was ever saved.
func (b *BlockStorage) LoadProof(hash types.BlockHash, proofType types.ProofType) (types.Proof, bool, error) {
	if !b.enabled {
		return types.Proof{}, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var proof types.Proof
	path := filepath.Join(b.blockDir(hash), proofSubdir, proofType.Name+".json")
	ok, err := readGzipJSON(path, &proof)
	if err != nil || !ok {
		return types.Proof{}, false, err
	}
	return proof, true, nil
}

// LoadMetadata returns the persisted metadata for a block hash, or false if
// none exists.
func (b *BlockStorage) LoadMetadata(hash types.BlockHash) (types.BlockMetadata, bool, error) {
	if !b.enabled {
		return types.BlockMetadata{}, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.blockDir(hash), metadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.BlockMetadata{}, false, nil
		}
		return types.BlockMetadata{}, false, errors.Wrap(err, "could not read block metadata")
	}
	var meta types.BlockMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return types.BlockMetadata{}, false, errors.Wrap(err, "could not parse block metadata")
	}
	return meta, true, nil
}

// noteSavedLocked records hash as the newest save in the FIFO retention
// queue, unless it is already tracked.
func (b *BlockStorage) noteSavedLocked(hash types.BlockHash) {
	for _, h := range b.order {
		if h == hash {
			return
		}
	}
	b.order = append(b.order, hash)
}

// evictIfNeededLocked removes the oldest block directory while the queue
// exceeds the configured retention limit.
func (b *BlockStorage) evictIfNeededLocked() error {
	if b.retain <= 0 {
		return nil
	}
	for len(b.order) > b.retain {
		oldest := b.order[0]
		b.order = b.order[1:]
		dir := b.blockDir(oldest)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "could not evict block directory %s", dir)
		}
		log.WithField("block_hash", oldest.String()).Debug("evicted block directory for retention")
	}
	return nil
}

func writeGzipJSON(path string, v interface{}) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func readGzipJSON(path string, v interface{}) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false, err
	}
	defer gz.Close()

	if err := json.NewDecoder(gz).Decode(v); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
