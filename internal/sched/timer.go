package sched

import (
	"sync"
	"time"
)

// Handle — отменяемая отложенная задача. Возвращается при планировании,
// отменяется явно при резолве алерта или снятии саппрешена — чтобы
// протухший таймер не сработал после завершения.
type Handle struct {
	timer *time.Timer

	mu        sync.Mutex
	cancelled bool
	fired     bool
}

// After планирует fn через d. fn не будет вызвана после Cancel.
func After(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()
		fn()
	})
	return h
}

// Cancel останавливает задачу. Возвращает false, если она уже сработала
// или уже была отменена.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled || h.fired {
		return false
	}
	h.cancelled = true
	h.timer.Stop()
	return true
}
