package taskstore

import (
	"errors"
	"sync"
	"testing"

	"foreman/pkg/protocol"
)

func statusPtr(s protocol.TaskStatus) *protocol.TaskStatus { return &s }

func TestCreateAndGet(t *testing.T) {
	s := NewStore()
	created := s.Create("write parser", "tokenize the input")

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "write parser" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.Status != protocol.TaskPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get("nope")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestListExcludesDeleted(t *testing.T) {
	s := NewStore()
	a := s.Create("a", "")
	b := s.Create("b", "")

	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list := s.List()
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("List = %v, want only %s", list, b.ID)
	}

	// The tombstone is still reachable by id.
	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatalf("Get tombstone: %v", err)
	}
	if got.Status != protocol.TaskDeleted {
		t.Errorf("tombstone Status = %q, want deleted", got.Status)
	}
}

func TestAddBlockedByIsSymmetric(t *testing.T) {
	s := NewStore()
	a := s.Create("a", "")
	b := s.Create("b", "")

	if _, err := s.Update(b.ID, UpdateParams{AddBlockedBy: []string{a.ID}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	gotA, _ := s.Get(a.ID)
	gotB, _ := s.Get(b.ID)
	if len(gotB.BlockedBy) != 1 || gotB.BlockedBy[0] != a.ID {
		t.Errorf("b.BlockedBy = %v", gotB.BlockedBy)
	}
	if len(gotA.Blocks) != 1 || gotA.Blocks[0] != b.ID {
		t.Errorf("a.Blocks = %v", gotA.Blocks)
	}

	// Duplicate edge adds are idempotent.
	if _, err := s.Update(b.ID, UpdateParams{AddBlockedBy: []string{a.ID}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	gotB, _ = s.Get(b.ID)
	if len(gotB.BlockedBy) != 1 {
		t.Errorf("b.BlockedBy = %v after duplicate add", gotB.BlockedBy)
	}
}

func TestAddBlockedByUnknownTargetFails(t *testing.T) {
	s := NewStore()
	b := s.Create("b", "")
	_, err := s.Update(b.ID, UpdateParams{AddBlockedBy: []string{"ghost"}})
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	// Failed update must not have mutated the task.
	got, _ := s.Get(b.ID)
	if len(got.BlockedBy) != 0 {
		t.Errorf("BlockedBy = %v, want empty", got.BlockedBy)
	}
}

func TestClaimOrderAndOwnership(t *testing.T) {
	s := NewStore()
	first := s.Create("first", "")
	s.Create("second", "")

	got, ok, err := s.Claim("w-1")
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID {
		t.Errorf("claimed %s, want lowest-seq task %s", got.ID, first.ID)
	}
	if got.Status != protocol.TaskInProgress || got.Owner != "w-1" {
		t.Errorf("claimed task = %+v, want in_progress owned by w-1", got)
	}
}

func TestClaimSkipsBlockedUntilBlockerCompletes(t *testing.T) {
	s := NewStore()
	blocker := s.Create("blocker", "")
	dependent := s.Create("dependent", "")
	if _, err := s.Update(dependent.ID, UpdateParams{AddBlockedBy: []string{blocker.ID}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// First claim takes the blocker.
	got, ok, _ := s.Claim("w-1")
	if !ok || got.ID != blocker.ID {
		t.Fatalf("claimed %v, want blocker", got.ID)
	}

	// Dependent is gated while the blocker is in progress.
	if _, ok, _ := s.Claim("w-2"); ok {
		t.Fatal("claimed a blocked task")
	}

	// Completion is pull-based: the very next Claim re-evaluates blocked_by.
	if _, err := s.Update(blocker.ID, UpdateParams{Status: statusPtr(protocol.TaskCompleted)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, ok, _ = s.Claim("w-2")
	if !ok || got.ID != dependent.ID {
		t.Fatalf("claimed %v, want dependent after blocker completed", got.ID)
	}
}

func TestClaimTreatsDeletedBlockerAsAbsent(t *testing.T) {
	s := NewStore()
	blocker := s.Create("blocker", "")
	dependent := s.Create("dependent", "")
	if _, err := s.Update(dependent.ID, UpdateParams{AddBlockedBy: []string{blocker.ID}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Delete(blocker.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, ok, _ := s.Claim("w-1")
	if !ok || got.ID != dependent.ID {
		t.Fatalf("claimed %v, want dependent once blocker deleted", got.ID)
	}
}

func TestConcurrentClaimsAssignExactlyOnce(t *testing.T) {
	s := NewStore()
	task := s.Create("only", "")

	const n = 32
	var wg sync.WaitGroup
	winners := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, ok, err := s.Claim("w-" + string(rune('a'+i%26)))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				winners <- got.ID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var count int
	for id := range winners {
		count++
		if id != task.ID {
			t.Errorf("claimed %s, want %s", id, task.ID)
		}
	}
	if count != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", count)
	}
}

func TestReleaseResetsOwnedTasks(t *testing.T) {
	s := NewStore()
	task := s.Create("work", "")
	if _, ok, _ := s.Claim("w-1"); !ok {
		t.Fatal("claim failed")
	}

	released := s.Release("w-1")
	if len(released) != 1 || released[0] != task.ID {
		t.Fatalf("Release = %v", released)
	}

	got, _ := s.Get(task.ID)
	if got.Status != protocol.TaskPending || got.Owner != "" {
		t.Errorf("task = %+v, want pending and unowned", got)
	}

	// Claimable again.
	if _, ok, _ := s.Claim("w-2"); !ok {
		t.Error("released task not claimable")
	}
}

func TestUpdateMergesMetadata(t *testing.T) {
	s := NewStore()
	task := s.Create("work", "")

	if _, err := s.Update(task.ID, UpdateParams{Metadata: map[string]string{"story": "s-1"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(task.ID, UpdateParams{Metadata: map[string]string{"model": "m"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(task.ID)
	if got.Metadata["story"] != "s-1" || got.Metadata["model"] != "m" {
		t.Errorf("Metadata = %v, want both keys", got.Metadata)
	}
}
