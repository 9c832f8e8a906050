package repair

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/epokhe/jlog/internal/checkpoint"
)

// OrphanedSegments returns every segment log present on disk that falls
// strictly before earliestNeeded (every subscriber's minimum checkpoint
// log) and that reclaim's ordinary per-checkpoint sweep should therefore
// already have unlinked, but might not have — e.g. the writer crashed
// between persisting a checkpoint and running its reclaim pass. It diffs
// the set of segment ids actually found on disk against the set still
// reachable by some subscriber, the same "on-disk set vs. tracked set"
// shape the teacher's checkOrphanedSegments runs against its manifest.
func OrphanedSegments(dir string, safe bool) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("repair: readdir: %w", err)
	}

	onDisk := mapset.NewSet[uint32]()
	for _, e := range entries {
		if e.IsDir() || !segmentNameRE.MatchString(e.Name()) {
			continue
		}
		v, err := strconv.ParseUint(e.Name(), 16, 32)
		if err != nil {
			continue
		}
		onDisk.Add(uint32(v))
	}
	if onDisk.Cardinality() == 0 {
		return nil, nil
	}

	store := checkpoint.New(dir, safe)
	earliest, found, err := store.EarliestNeeded()
	if err != nil {
		return nil, fmt.Errorf("repair: earliest needed: %w", err)
	}
	if !found {
		// nobody subscribed yet: every segment is still reachable by a
		// future BEGIN subscriber, so nothing is orphaned.
		return nil, nil
	}

	reachable := mapset.NewSet[uint32]()
	for log := range onDisk.Iter() {
		if log >= earliest {
			reachable.Add(log)
		}
	}

	orphaned := onDisk.Difference(reachable).ToSlice()
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	return orphaned, nil
}
