package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

func roomPath(roomID string) string {
	return "chat/rooms/" + url.PathEscape(roomID) + "/"
}

func (c *Client) ListRooms(ctx context.Context) (*models.RoomPage, error) {
	var page models.RoomPage
	if err := c.do(ctx, http.MethodGet, "chat/rooms/", nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodGet, roomPath(roomID), nil, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) CreateRoom(ctx context.Context, in models.CreateRoom) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodPost, "chat/rooms/", nil, in, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListMessages 拉取一页消息（最新在前），cursor 为空时取第一页。
func (c *Client) ListMessages(ctx context.Context, roomID, cursor string) (*models.MessagePage, error) {
	var q url.Values
	if cursor != "" {
		q = url.Values{"cursor": {cursor}}
	}
	var page models.MessagePage
	if err := c.do(ctx, http.MethodGet, roomPath(roomID)+"messages/", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) AddParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	var p models.Participant
	req := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID)+"participants/", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodDelete, roomPath(roomID)+"participants/"+url.PathEscape(userID)+"/", nil, nil, nil)
}
