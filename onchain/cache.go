package onchain

import (
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/snapfuzz/snapfuzz/core/types"
)

// Cache is a content-addressed read-through memo over a Source. Every fetch
// is keyed by (chain-id, block, address, slot); hits never touch the
// upstream, and the on-disk layout
//
//	cache/<chain>/<block>/<addr>/code
//	cache/<chain>/<block>/<addr>/balance
//	cache/<chain>/<block>/<addr>/storage/<slot>
//
// makes results stable across runs and replay-deterministic.
type Cache struct {
	backing Source
	root    string // cache/<chain>/<block>

	code    *lru.Cache[types.Address, []byte]
	storage *lru.Cache[string, types.Hash]
	balance *lru.Cache[types.Address, *big.Int]
}

const cacheEntries = 65536

// maxDiskBlocks bounds the on-disk footprint: only the most recently used
// (chain-id, block) directories survive; older pins are evicted wholesale
// when a cache is opened.
const maxDiskBlocks = 4

// NewCache wraps backing with a memo rooted at dir for the given chain and
// block. dir may be empty to disable the disk layer. Opening a cache marks
// its (chain, block) directory as most recently used and LRU-evicts pins
// beyond maxDiskBlocks.
func NewCache(backing Source, dir string, chainID, block uint64) *Cache {
	c := &Cache{backing: backing}
	if dir != "" {
		cacheRoot := filepath.Join(dir, "cache")
		c.root = filepath.Join(cacheRoot, strconv.FormatUint(chainID, 10), strconv.FormatUint(block, 10))
		if err := os.MkdirAll(c.root, 0o755); err == nil {
			now := time.Now()
			_ = os.Chtimes(c.root, now, now)
		}
		c.pruneDisk(cacheRoot)
	}
	c.code, _ = lru.New[types.Address, []byte](cacheEntries)
	c.storage, _ = lru.New[string, types.Hash](cacheEntries)
	c.balance, _ = lru.New[types.Address, *big.Int](cacheEntries)
	return c
}

// pruneDisk applies LRU eviction over (chain, block) cache directories,
// keyed by directory modification time. The current pin is always kept.
func (c *Cache) pruneDisk(cacheRoot string) {
	type blockDir struct {
		path  string
		mtime time.Time
	}
	var dirs []blockDir

	chains, err := os.ReadDir(cacheRoot)
	if err != nil {
		return
	}
	for _, ch := range chains {
		if !ch.IsDir() {
			continue
		}
		blocks, err := os.ReadDir(filepath.Join(cacheRoot, ch.Name()))
		if err != nil {
			continue
		}
		for _, b := range blocks {
			if !b.IsDir() {
				continue
			}
			path := filepath.Join(cacheRoot, ch.Name(), b.Name())
			if path == c.root {
				continue
			}
			info, err := b.Info()
			if err != nil {
				continue
			}
			dirs = append(dirs, blockDir{path: path, mtime: info.ModTime()})
		}
	}

	// The current pin occupies one slot; keep the newest of the rest.
	keep := maxDiskBlocks - 1
	if len(dirs) <= keep {
		return
	}
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].mtime.After(dirs[j].mtime)
	})
	for _, d := range dirs[keep:] {
		_ = os.RemoveAll(d.path)
	}
}

// Code implements Source.
func (c *Cache) Code(addr types.Address) ([]byte, error) {
	if v, ok := c.code.Get(addr); ok {
		return v, nil
	}
	if data, ok := c.readDisk(addr, "code"); ok {
		c.code.Add(addr, data)
		return data, nil
	}
	data, err := c.backing.Code(addr)
	if err != nil {
		return nil, err
	}
	c.code.Add(addr, data)
	c.writeDisk(addr, "code", data)
	return data, nil
}

// Storage implements Source.
func (c *Cache) Storage(addr types.Address, key types.Hash) (types.Hash, error) {
	memKey := addr.Hex() + key.Hex()
	if v, ok := c.storage.Get(memKey); ok {
		return v, nil
	}
	slotFile := filepath.Join("storage", key.Hex()[2:])
	if data, ok := c.readDisk(addr, slotFile); ok {
		h := types.BytesToHash(data)
		c.storage.Add(memKey, h)
		return h, nil
	}
	val, err := c.backing.Storage(addr, key)
	if err != nil {
		return types.Hash{}, err
	}
	c.storage.Add(memKey, val)
	c.writeDisk(addr, slotFile, val.Bytes())
	return val, nil
}

// Balance implements Source.
func (c *Cache) Balance(addr types.Address) (*big.Int, error) {
	if v, ok := c.balance.Get(addr); ok {
		return new(big.Int).Set(v), nil
	}
	if data, ok := c.readDisk(addr, "balance"); ok {
		v := new(big.Int).SetBytes(data)
		c.balance.Add(addr, v)
		return new(big.Int).Set(v), nil
	}
	val, err := c.backing.Balance(addr)
	if err != nil {
		return nil, err
	}
	c.balance.Add(addr, val)
	c.writeDisk(addr, "balance", val.Bytes())
	return new(big.Int).Set(val), nil
}

func (c *Cache) addrDir(addr types.Address) string {
	return filepath.Join(c.root, hex.EncodeToString(addr[:]))
}

func (c *Cache) readDisk(addr types.Address, name string) ([]byte, bool) {
	if c.root == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.addrDir(addr), name))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) writeDisk(addr types.Address, name string, data []byte) {
	if c.root == "" {
		return
	}
	path := filepath.Join(c.addrDir(addr), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
