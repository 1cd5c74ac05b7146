package models

import "time"

// Position is a 1-based cursor position inside the document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a cursor range; nil selection means a bare cursor.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Participant описывает одного участника комнаты документа. Участник в двух
// документах — это две независимые записи. Владеет записью исключительно
// presence-менеджер; наружу всегда уходят копии.
type Participant struct {
	JoinedAt  time.Time  `json:"joined_at"`
	LastSeen  time.Time  `json:"last_seen"`
	Selection *Selection `json:"selection,omitempty"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Cursor    Position   `json:"cursor"`
}

// Clone возвращает копию записи участника.
func (p *Participant) Clone() *Participant {
	out := *p
	if p.Selection != nil {
		sel := *p.Selection
		out.Selection = &sel
	}
	return &out
}
