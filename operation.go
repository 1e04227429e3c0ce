package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ssau-fiit/cloudocs-collab/errors"
	"github.com/ssau-fiit/cloudocs-collab/session"
)

const (
	opTypeInsert  = "insert"
	opTypeDelete  = "delete"
	opTypeReplace = "replace"
)

// Operation is one local edit fed to a headless peer, either as a JSON
// object or as a line such as "insert 0 hello" or "delete 3 2".
type Operation struct {
	Type   string `json:"type"`
	Index  int    `json:"index"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}

// parseOperation reads one script line. Text after the index (or after
// "replace ") is taken verbatim, spaces included; only the line ending and
// indentation before the verb are dropped.
func parseOperation(line string) (Operation, error) {
	line = strings.TrimLeft(strings.TrimRight(line, "\r\n"), " \t")
	if strings.HasPrefix(line, "{") {
		var op Operation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			return Operation{}, errors.NewInvalidRequest(err.Error())
		}
		return op, op.validate()
	}

	verb, rest, _ := strings.Cut(line, " ")
	op := Operation{Type: verb}
	switch verb {
	case opTypeInsert:
		idx, text, _ := strings.Cut(rest, " ")
		n, err := strconv.Atoi(idx)
		if err != nil {
			return Operation{}, errors.NewInvalidRequest(fmt.Sprintf("bad index %q", idx))
		}
		op.Index, op.Text = n, text
	case opTypeDelete:
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return Operation{}, errors.NewInvalidRequest("usage: delete <index> <length>")
		}
		var err error
		if op.Index, err = strconv.Atoi(fields[0]); err != nil {
			return Operation{}, errors.NewInvalidRequest(fmt.Sprintf("bad index %q", fields[0]))
		}
		if op.Length, err = strconv.Atoi(fields[1]); err != nil {
			return Operation{}, errors.NewInvalidRequest(fmt.Sprintf("bad length %q", fields[1]))
		}
	case opTypeReplace:
		op.Text = rest
	}
	return op, op.validate()
}

func (op Operation) validate() error {
	switch op.Type {
	case opTypeInsert, opTypeReplace:
	case opTypeDelete:
		if op.Length <= 0 {
			return errors.NewInvalidRequest("delete length must be positive")
		}
	default:
		return errors.NewInvalidRequest(fmt.Sprintf("unknown operation %q", op.Type))
	}
	if op.Index < 0 {
		return errors.NewInvalidRequest("index must not be negative")
	}
	return nil
}

func (op Operation) apply(ctx context.Context, s *session.Session) error {
	switch op.Type {
	case opTypeInsert:
		return s.Insert(ctx, op.Index, op.Text)
	case opTypeDelete:
		return s.Delete(ctx, op.Index, op.Length)
	case opTypeReplace:
		return s.Replace(ctx, op.Text)
	}
	return op.validate()
}
