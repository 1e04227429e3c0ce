package main

import "github.com/ssau-fiit/cloudocs-collab/database"

// Document is the REST view of a room: its metadata plus the last saved
// text snapshot.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Owner   string `json:"owner"`
	Content string `json:"content"`
}

func newDocument(room database.Room, content string) Document {
	return Document{
		ID:      room.ID,
		Title:   room.Title,
		Owner:   room.Owner,
		Content: content,
	}
}
