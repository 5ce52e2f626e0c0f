package syncer

import (
	"strings"
	"testing"

	"github.com/cadelake/outpost/internal/remote"
)

func TestBatchChecksumEmpty(t *testing.T) {
	if got := BatchChecksum(nil); got != "0:0:0:00000000" {
		t.Fatalf("BatchChecksum(nil) = %q", got)
	}
}

func TestBatchChecksumCarriesBoundaries(t *testing.T) {
	items := []remote.BatchItem{
		{ID: 11, RecordID: "a", Operation: "create"},
		{ID: 12, RecordID: "b", Operation: "update"},
		{ID: 19, RecordID: "c", Operation: "delete"},
	}
	sum := BatchChecksum(items)
	if !strings.HasPrefix(sum, "3:11:19:") {
		t.Fatalf("checksum %q missing count and boundary ids", sum)
	}
	if len(sum) != len("3:11:19:")+8 {
		t.Fatalf("checksum %q hash segment should be eight hex digits", sum)
	}
}

func TestBatchChecksumIsOrderSensitive(t *testing.T) {
	forward := []remote.BatchItem{
		{ID: 1, RecordID: "a", Operation: "create"},
		{ID: 2, RecordID: "b", Operation: "create"},
	}
	reversed := []remote.BatchItem{
		{ID: 1, RecordID: "b", Operation: "create"},
		{ID: 2, RecordID: "a", Operation: "create"},
	}
	if BatchChecksum(forward) == BatchChecksum(reversed) {
		t.Fatal("reordered batches should not share a checksum")
	}
}

func TestBatchChecksumIsStable(t *testing.T) {
	items := []remote.BatchItem{{ID: 5, RecordID: "a", Operation: "create"}}
	if BatchChecksum(items) != BatchChecksum(items) {
		t.Fatal("checksum must be deterministic")
	}
}
