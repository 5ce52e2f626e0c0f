package syncer

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/cadelake/outpost/internal/remote"
)

// BatchChecksum fingerprints an outbound batch: item count, boundary entry
// ids, and a rolling hash over operation/record-id pairs. It lets the remote
// detect truncation or reordering in transit; the dispatcher never validates
// an echo of it.
func BatchChecksum(items []remote.BatchItem) string {
	if len(items) == 0 {
		return "0:0:0:00000000"
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, item.Operation+":"+item.RecordID)
	}
	sum := crc32.ChecksumIEEE([]byte(strings.Join(parts, ":")))
	return fmt.Sprintf("%d:%d:%d:%08x", len(items), items[0].ID, items[len(items)-1].ID, sum)
}
