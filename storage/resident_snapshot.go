package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/vmihailenco/msgpack"
)

const residentSetVersion = 1

type residentSet struct {
	Version  int            `msgpack:"v"`
	PageSize uint32         `msgpack:"page_size"`
	Pages    []residentPage `msgpack:"pages"`
}

type residentPage struct {
	PageID     uint64 `msgpack:"p"`
	Pool       int    `msgpack:"k"`
	Tablespace uint32 `msgpack:"ts,omitempty"`
	Tier       uint32 `msgpack:"t"`
	Accesses   uint64 `msgpack:"a"`
}

// SaveResidentSet writes the IDs, pools and tiers of all resident pages to w
// so that a restarted pool can Prewarm itself. Page contents are not saved.
func (bpm *BufferPoolManager) SaveResidentSet(w io.Writer) (int, error) {
	set := residentSet{
		Version:  residentSetVersion,
		PageSize: uint32(bpm.pageSize),
	}
	for _, f := range bpm.frames {
		if f.State() != FrameResident {
			continue
		}
		set.Pages = append(set.Pages, residentPage{
			PageID:     uint64(f.PageID()),
			Pool:       int(f.pool.kind),
			Tablespace: f.pool.tablespace,
			Tier:       uint32(f.Tier()),
			Accesses:   f.AccessCount(),
		})
	}

	if err := msgpack.NewEncoder(w).Encode(&set); err != nil {
		return 0, fmt.Errorf("failed to encode resident set: %w", err)
	}
	return len(set.Pages), nil
}

// Prewarm reads a resident set written by SaveResidentSet and loads its pages
// back into the pools they came from, hottest first, restoring their tiers as
// far as tier capacity allows. A page is skipped when its pool has no free frame.
// Recycle pool pages are skipped. Pages that fail to load are logged and
// skipped. It returns the number of pages loaded.
func (bpm *BufferPoolManager) Prewarm(ctx context.Context, r io.Reader) (int, error) {
	var set residentSet
	if err := msgpack.NewDecoder(r).Decode(&set); err != nil {
		return 0, fmt.Errorf("failed to decode resident set: %w", err)
	}
	if set.Version != residentSetVersion {
		return 0, fmt.Errorf("unsupported resident set version %d", set.Version)
	}
	if set.PageSize != uint32(bpm.pageSize) {
		return 0, fmt.Errorf("resident set page size %d does not match pool page size %d", set.PageSize, bpm.pageSize)
	}

	sort.SliceStable(set.Pages, func(i, j int) bool {
		if set.Pages[i].Tier != set.Pages[j].Tier {
			return set.Pages[i].Tier > set.Pages[j].Tier
		}
		return set.Pages[i].Accesses > set.Pages[j].Accesses
	})

	loaded := 0
	for _, rp := range set.Pages {
		if err := ctx.Err(); err != nil {
			return loaded, errCancelled("Prewarm", err)
		}

		var opts PinOptions
		switch PoolKind(rp.Pool) {
		case PoolRecycle:
			continue
		case PoolKeep:
			opts.Hint = HintKeep
		case PoolTablespace:
			opts.Tablespace = rp.Tablespace
		}

		pageID := PageID(rp.PageID)
		if pageID == InvalidPageID || bpm.pageTable.Contains(pageID) {
			continue
		}
		if bpm.poolFor(opts).FreeCount() == 0 {
			continue
		}

		f, err := bpm.load(ctx, pageID, opts, true)
		if err != nil {
			if isLoadRace(err) {
				continue
			}
			if IsErrorCode(err, ErrCodeCancelled) {
				return loaded, err
			}
			bpm.logger.Warn("prewarm skipped page",
				slog.Uint64("page_id", rp.PageID),
				slog.Any("error", err),
			)
			continue
		}
		bpm.tiers.restoreTier(f, Tier(rp.Tier))
		bpm.unpinFrame(f, false)
		loaded++
	}

	bpm.logger.Info("buffer pool prewarmed",
		slog.Int("loaded", loaded),
		slog.Int("saved", len(set.Pages)),
	)
	return loaded, nil
}
