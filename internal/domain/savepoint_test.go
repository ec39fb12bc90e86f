package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type folderCursor struct {
	Folder string `json:"folder"`
	Offset int    `json:"offset"`
}

func TestSavepointData(t *testing.T) {
	t.Parallel()

	data, err := MarshalSavepoint(folderCursor{Folder: "INBOX", Offset: 250})
	require.NoError(t, err)

	var cursor folderCursor
	ok, err := UnmarshalSavepoint(data, &cursor)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, folderCursor{Folder: "INBOX", Offset: 250}, cursor)

	ok, err = UnmarshalSavepoint(nil, &cursor)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = UnmarshalSavepoint(json.RawMessage(`{"folder":`), &cursor)
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestFailureDocument(t *testing.T) {
	t.Parallel()

	raw, err := EncodeFailure(Failure{Message: "mailbox locked", Code: "MAIL-0042"})
	require.NoError(t, err)

	f, ok, err := DecodeFailure(raw)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "MAIL-0042", f.Code)

	_, ok, err = DecodeFailure(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = DecodeFailure(json.RawMessage("not json"))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestWorkItemStates(t *testing.T) {
	t.Parallel()

	item := WorkItem{Status: StatusPaused}
	assert.True(t, item.Resumable())
	assert.True(t, item.Claimable())

	item.Status = StatusPending
	assert.False(t, item.Resumable())
	assert.True(t, item.Claimable())

	item.Status = StatusFailed
	assert.False(t, item.Claimable())
}

func TestTotalSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), TotalSize(nil))
	assert.Equal(t, int64(30), TotalSize([]ResultFile{{Size: 10}, {Size: 20}}))
}
