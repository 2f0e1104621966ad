// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package errors

import "testing"

func TestErrorDebugString(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want string
	}{
		{
			desc: "With Op, Code and string",
			err:  E(Op("rdb.ClaimNext"), Conflict, "optimistic transaction conflict"),
			want: "rdb.ClaimNext: CONFLICT: optimistic transaction conflict",
		},
		{
			desc: "With Code and error",
			err:  E(NotFound, &TaskNotFoundError{ID: "t1"}),
			want: "NOT_FOUND: cannot find task with id=t1",
		},
		{
			desc: "With Op and string",
			err:  E(Op("rdb.Enqueue"), "something went wrong"),
			want: "rdb.Enqueue: something went wrong",
		},
	}
	for _, tc := range tests {
		if got := tc.err.(*Error).DebugString(); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.desc, got, tc.want)
		}
	}
}

func TestCanonicalCode(t *testing.T) {
	err := E(Op("rdb.Enqueue"), AlreadyExists, &DuplicateIDError{ID: "t1"})
	if got := CanonicalCode(err); got != AlreadyExists {
		t.Errorf("CanonicalCode = %v, want %v", got, AlreadyExists)
	}
	if got := CanonicalCode(New("plain")); got != Unspecified {
		t.Errorf("CanonicalCode = %v, want %v", got, Unspecified)
	}
	// Nested errors surface the inner code when the outer is unspecified.
	nested := E(Op("outer"), E(Conflict, "inner"))
	if got := CanonicalCode(nested); got != Conflict {
		t.Errorf("CanonicalCode = %v, want %v", got, Conflict)
	}
}

func TestDomainErrorPredicates(t *testing.T) {
	dup := E(Op("rdb.Enqueue"), AlreadyExists, &DuplicateIDError{ID: "t1"})
	if !IsDuplicateID(dup) {
		t.Error("IsDuplicateID = false, want true")
	}
	if IsTaskNotFound(dup) {
		t.Error("IsTaskNotFound = true, want false")
	}

	notFound := E(Op("rdb.GetTaskInfo"), NotFound, &TaskNotFoundError{ID: "t2"})
	if !IsTaskNotFound(notFound) {
		t.Error("IsTaskNotFound = false, want true")
	}

	group := E(Op("rdb.PauseGroup"), NotFound, &GroupNotFoundError{Group: "g"})
	if !IsGroupNotFound(group) {
		t.Error("IsGroupNotFound = false, want true")
	}

	conflict := E(Op("rdb.ClaimNext"), Conflict, ErrTxConflict)
	if !IsTxConflict(conflict) {
		t.Error("IsTxConflict = false, want true")
	}

	redisErr := E(Op("rdb.Enqueue"), Unknown, &RedisCommandError{Command: "exec", Err: New("broken pipe")})
	if !IsRedisCommandError(redisErr) {
		t.Error("IsRedisCommandError = false, want true")
	}
}
