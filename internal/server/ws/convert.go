package ws

import (
	"github.com/avolkov/coedit/internal/models"
	"github.com/avolkov/coedit/pkg/api"
)

// Конвертация внутренних presence-записей в wire-представление.

func toAPIUser(p models.Participant) api.User {
	u := api.User{
		ID:       p.ID,
		Name:     p.Name,
		Color:    p.Color,
		Cursor:   api.Position{Line: p.Cursor.Line, Column: p.Cursor.Column},
		JoinedAt: p.JoinedAt.UnixMilli(),
		LastSeen: p.LastSeen.UnixMilli(),
	}
	if p.Selection != nil {
		u.Selection = &api.Selection{
			Start: api.Position{Line: p.Selection.Start.Line, Column: p.Selection.Start.Column},
			End:   api.Position{Line: p.Selection.End.Line, Column: p.Selection.End.Column},
		}
	}
	return u
}

func toAPIUsers(ps []models.Participant) []api.User {
	users := make([]api.User, len(ps))
	for i, p := range ps {
		users[i] = toAPIUser(p)
	}
	return users
}

func toModelPosition(p api.Position) models.Position {
	return models.Position{Line: p.Line, Column: p.Column}
}

func toModelSelection(s *api.Selection) *models.Selection {
	if s == nil {
		return nil
	}
	return &models.Selection{
		Start: toModelPosition(s.Start),
		End:   toModelPosition(s.End),
	}
}
