package main

import "github.com/ssau-fiit/cloudocs-collab/access"

type CreateRoomRequest struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type SaveContentRequest struct {
	Content string `json:"content"`
}

type InviteRequest struct {
	Permission access.Permission `json:"permission"`
}
