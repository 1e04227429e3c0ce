package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssau-fiit/cloudocs-collab/errors"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		line string
		want Operation
	}{
		{"insert 0 hello world", Operation{Type: opTypeInsert, Index: 0, Text: "hello world"}},
		{"insert 4", Operation{Type: opTypeInsert, Index: 4}},
		{"insert 0 Title: ", Operation{Type: opTypeInsert, Index: 0, Text: "Title: "}},
		{"  insert 2  indented \r", Operation{Type: opTypeInsert, Index: 2, Text: " indented "}},
		{"replace  padded  ", Operation{Type: opTypeReplace, Text: " padded  "}},
		{"delete 3 2", Operation{Type: opTypeDelete, Index: 3, Length: 2}},
		{"replace fresh text", Operation{Type: opTypeReplace, Text: "fresh text"}},
		{`{"type":"delete","index":1,"length":5}`, Operation{Type: opTypeDelete, Index: 1, Length: 5}},
		{`  {"type":"insert","index":2,"text":"x"}  `, Operation{Type: opTypeInsert, Index: 2, Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			op, err := parseOperation(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestParseOperationRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"move 1 2",
		"insert x hi",
		"insert -1 hi",
		"delete 1",
		"delete 1 0",
		"delete a 1",
		`{"type":"delete","index":1}`,
		`{"type":`,
	} {
		t.Run(line, func(t *testing.T) {
			_, err := parseOperation(line)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		})
	}
}
