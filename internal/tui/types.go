package tui

import (
	"time"

	"github.com/fentz26/autopatch/internal/models"
)

type statusMsg struct {
	state *models.EngineState
	err   error
}

type commandResultMsg struct {
	message string
	ticket  *models.Ticket
	quit    bool
}

type errMsg struct {
	err error
}

type tickMsg time.Time
