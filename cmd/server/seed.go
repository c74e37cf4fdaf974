package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/npezzotti/pilgrim-chat/internal/api"
	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/database"
)

type seedMember struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

func readSeedFile(path string) ([]seedMember, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var members []seedMember
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	for i, m := range members {
		if !chat.ValidMemberId(m.Id) {
			return nil, fmt.Errorf("member %d: id %q must be exactly 4 digits", i, m.Id)
		}
		if strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("member %s: name cannot be empty", m.Id)
		}
		if m.Password == "" {
			return nil, fmt.Errorf("member %s: password cannot be empty", m.Id)
		}
	}

	return members, nil
}

// seedMembers upserts the members listed in path and returns how many were
// written.
func seedMembers(ctx context.Context, db database.Repository, path string) (int, error) {
	members, err := readSeedFile(path)
	if err != nil {
		return 0, err
	}

	for _, m := range members {
		hash, err := api.HashPassword(m.Password)
		if err != nil {
			return 0, fmt.Errorf("hash password of %s: %w", m.Id, err)
		}

		if _, err := db.UpsertMember(ctx, database.UpsertMemberParams{
			Id:           m.Id,
			Name:         strings.TrimSpace(m.Name),
			Email:        strings.TrimSpace(m.Email),
			Phone:        strings.TrimSpace(m.Phone),
			PasswordHash: hash,
		}); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", m.Id, err)
		}
	}

	return len(members), nil
}
