package rlsocket

import (
	"net"
	"sort"
	"sync"
)

// sessionConn - соединение, которое может быть зарегистрировано как сессия.
type sessionConn interface {
	comparable
	Closer
	RemoteAddr() net.Addr
	SessionID() SessionID
	attachSessionID(id SessionID) SessionID
}

type sessionEntry struct {
	id     SessionID
	origin string
}

// SessionRegistry хранит сессии сервера и считает их по удалённым адресам.
//
// Счётчик адреса всегда равен количеству живых сессий с этого адреса, даже если
// ограничение отключено. Все методы потокобезопасны.
type SessionRegistry[C sessionConn] struct {
	mu           sync.Mutex
	maxPerOrigin int
	sessions     map[SessionID]C
	entries      map[C]sessionEntry
	origins      map[string]int
}

// NewSessionRegistry создает реестр с ограничением maxPerOrigin сессий на один адрес.
// Отрицательное значение отключает ограничение, 0 отклоняет все подключения.
func NewSessionRegistry[C sessionConn](maxPerOrigin int) *SessionRegistry[C] {
	return &SessionRegistry[C]{
		maxPerOrigin: maxPerOrigin,
		sessions:     make(map[SessionID]C),
		entries:      make(map[C]sessionEntry),
		origins:      make(map[string]int),
	}
}

// originOf возвращает хост из адреса "host:port"; адрес без порта используется целиком.
func originOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	s := addr.String()
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return host
}

// Admit регистрирует соединение как новую сессию.
//
// Возвращает:
//   - SessionID: идентификатор сессии; для уже зарегистрированного соединения - прежний
//   - *AdmissionError: адрес соединения исчерпал лимит, сессия не создана
func (r *SessionRegistry[C]) Admit(c C) (SessionID, error) {
	origin := originOf(c.RemoteAddr())

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[c]; ok {
		return e.id, nil
	}
	if r.maxPerOrigin >= 0 && r.origins[origin]+1 > r.maxPerOrigin {
		return "", &AdmissionError{Origin: origin, Limit: r.maxPerOrigin}
	}

	id := c.attachSessionID(newSessionID())
	r.sessions[id] = c
	r.entries[c] = sessionEntry{id: id, origin: origin}
	r.origins[origin]++
	return id, nil
}

// Get возвращает соединение сессии.
func (r *SessionRegistry[C]) Get(id SessionID) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Resolve возвращает идентификатор сессии соединения.
func (r *SessionRegistry[C]) Resolve(c C) (SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	return e.id, ok
}

// Remove удаляет сессию соединения и закрывает соединение.
// Соединение закрывается, даже если оно не было зарегистрировано.
func (r *SessionRegistry[C]) Remove(c C) {
	r.mu.Lock()
	r.forget(c)
	r.mu.Unlock()

	_ = c.Close(false)
}

// RemoveSession удаляет сессию по идентификатору и закрывает её соединение.
// Возвращает false, если сессия не найдена.
func (r *SessionRegistry[C]) RemoveSession(id SessionID) bool {
	r.mu.Lock()
	c, ok := r.sessions[id]
	if ok {
		r.forget(c)
	}
	r.mu.Unlock()

	if ok {
		_ = c.Close(false)
	}
	return ok
}

// forget вызывается под r.mu.
func (r *SessionRegistry[C]) forget(c C) {
	e, ok := r.entries[c]
	if !ok {
		return
	}
	delete(r.entries, c)
	delete(r.sessions, e.id)
	if n := r.origins[e.origin]; n > 1 {
		r.origins[e.origin] = n - 1
	} else {
		delete(r.origins, e.origin)
	}
}

// RemoveAndCloseAll очищает реестр и закрывает все соединения.
func (r *SessionRegistry[C]) RemoveAndCloseAll(force bool) {
	r.mu.Lock()
	conns := make([]C, 0, len(r.entries))
	for c := range r.entries {
		conns = append(conns, c)
	}
	r.sessions = make(map[SessionID]C)
	r.entries = make(map[C]sessionEntry)
	r.origins = make(map[string]int)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(force)
	}
}

// Len возвращает количество сессий.
func (r *SessionRegistry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionIDs возвращает отсортированный снимок идентификаторов сессий.
func (r *SessionRegistry[C]) SessionIDs() []SessionID {
	r.mu.Lock()
	ids := make([]SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OriginCount возвращает количество сессий с адреса origin (хост без порта).
func (r *SessionRegistry[C]) OriginCount(origin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origins[origin]
}

// ForEach вызывает fn для каждой сессии. Если fn возвращает false, обход прерывается.
// fn вызывается вне блокировки реестра.
func (r *SessionRegistry[C]) ForEach(fn func(id SessionID, c C) bool) {
	r.mu.Lock()
	snapshot := make(map[SessionID]C, len(r.sessions))
	for id, c := range r.sessions {
		snapshot[id] = c
	}
	r.mu.Unlock()

	for id, c := range snapshot {
		if !fn(id, c) {
			return
		}
	}
}
