package rlsocket

import (
	"sort"
	"sync"

	"github.com/eapache/queue"
)

// Closer - соединение, которым может управлять пул или реестр сессий.
type Closer interface {
	Close(force bool) error
}

// ConnectionPool хранит живые соединения клиента и выдаёт их по кругу.
//
// Очередь ротации заполняется снимком живых идентификаторов, когда опустевает.
// Идентификатор, удалённый между заполнением и выборкой, приводит к ErrNotFound:
// повторная попытка остаётся за вызывающим.
//
// Все методы потокобезопасны.
type ConnectionPool[C interface {
	comparable
	Closer
}] struct {
	mu       sync.Mutex
	live     map[ConnID]C
	rotation *queue.Queue // of ConnID
}

// NewConnectionPool создает пустой пул.
func NewConnectionPool[C interface {
	comparable
	Closer
}]() *ConnectionPool[C] {
	return &ConnectionPool[C]{
		live:     make(map[ConnID]C),
		rotation: queue.New(),
	}
}

// Add регистрирует соединение. Пустой id или нулевое соединение игнорируются.
// Повторное добавление с тем же id заменяет соединение.
func (p *ConnectionPool[C]) Add(id ConnID, c C) {
	var zero C
	if id == "" || c == zero {
		return
	}
	p.mu.Lock()
	p.live[id] = c
	p.mu.Unlock()
}

// Get возвращает соединение по id.
func (p *ConnectionPool[C]) Get(id ConnID) (C, bool) {
	var zero C
	if id == "" {
		return zero, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.live[id]
	return c, ok
}

// SelectNext возвращает следующий идентификатор в порядке ротации.
//
// Возвращает:
//   - ErrNoConnection: в пуле нет соединений
//   - ErrNotFound: выбранный id был удалён после заполнения очереди
func (p *ConnectionPool[C]) SelectNext() (ConnID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rotation.Length() == 0 {
		if len(p.live) == 0 {
			return "", ErrNoConnection
		}
		for _, id := range p.sortedIDs() {
			p.rotation.Add(id)
		}
	}

	id := p.rotation.Remove().(ConnID)
	if _, ok := p.live[id]; !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// RemoveAndClose удаляет соединение из пула и закрывает его, не дожидаясь завершения.
// Неизвестный id игнорируется.
func (p *ConnectionPool[C]) RemoveAndClose(id ConnID) {
	if id == "" {
		return
	}
	p.mu.Lock()
	c, ok := p.live[id]
	delete(p.live, id)
	p.mu.Unlock()

	if ok {
		_ = c.Close(false)
	}
}

// RemoveAndCloseAll очищает пул и закрывает все соединения. Используется при остановке клиента.
func (p *ConnectionPool[C]) RemoveAndCloseAll() {
	p.mu.Lock()
	conns := make([]C, 0, len(p.live))
	for _, c := range p.live {
		conns = append(conns, c)
	}
	p.live = make(map[ConnID]C)
	p.rotation = queue.New()
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(false)
	}
}

// Len возвращает количество живых соединений.
func (p *ConnectionPool[C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// IDs возвращает отсортированный снимок идентификаторов.
func (p *ConnectionPool[C]) IDs() []ConnID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedIDs()
}

func (p *ConnectionPool[C]) sortedIDs() []ConnID {
	ids := make([]ConnID, 0, len(p.live))
	for id := range p.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
