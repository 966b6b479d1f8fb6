package rendergrid

import (
	"sync"
)

// Session is a naming scope grouping versioned Objects. It is
// mapped on a node by name or by id; mapping by name causes the local
// node to ask the server to resolve (and, if absent, allocate) a
// SessionID through sessionDirectory.
type Session struct {
	id   SessionID
	name string

	mu      sync.RWMutex
	objects map[ObjectID]*Object

	// handlers extend the session's command table with application
	// commands (hierarchy control, barrier enters). Registered before
	// the session sees traffic, read-only afterwards.
	handlers map[Command]PacketHandler

	nextLocalObjectID ObjectID
}

// NewSession constructs an empty, unpopulated session.
func NewSession(id SessionID, name string) *Session {
	return &Session{
		id:       id,
		name:     name,
		objects:  make(map[ObjectID]*Object),
		handlers: make(map[Command]PacketHandler),
	}
}

func (s *Session) ID() SessionID { return s.id }
func (s *Session) Name() string  { return s.name }

// Handle extends the session command table. Must be called before the
// session dispatches its first packet.
func (s *Session) Handle(cmd Command, h PacketHandler) {
	s.mu.Lock()
	s.handlers[cmd] = h
	s.mu.Unlock()
}

func (s *Session) handler(cmd Command) (PacketHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[cmd]
	return h, ok
}

// RegisterObject assigns the object a globally unique id within the
// session (the session-local monotonic counter is sufficient since ids
// are only unique within a session) and stores it as the session's
// authoritative master.
func (s *Session) RegisterObject(obj *Object) ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLocalObjectID++
	id := s.nextLocalObjectID
	obj.id = id
	obj.session = s
	s.objects[id] = obj
	return id
}

// MapObject installs obj (already addressed at id, received from a
// master) as a mapped replica and increments its refcount.
func (s *Session) MapObject(id ObjectID, obj *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.id = id
	obj.session = s
	if existing, ok := s.objects[id]; ok {
		existing.addRef()
		return
	}
	obj.addRef()
	s.objects[id] = obj
}

// UnmapObject decrements the refcount and releases local storage when it
// reaches zero.
func (s *Session) UnmapObject(id ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return
	}
	if obj.release() {
		delete(s.objects, id)
	}
}

// Object looks up a mapped or mastered object by id.
func (s *Session) Object(id ObjectID) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Objects returns a snapshot of every object currently tracked by the
// session, used when a peer disconnects and its slave objects must be
// dropped.
func (s *Session) Objects() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Object, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	return out
}

// sessionDirectory is the server-authoritative name→id resolver. There
// is a single owner (the server), so claims are strictly ordered by a
// mutex rather than resolved by consensus.
type sessionDirectory struct {
	mu     sync.Mutex
	byName *Tree[SessionID]
	nextID SessionID
}

func newSessionDirectory() *sessionDirectory {
	return &sessionDirectory{byName: NewTree[SessionID]()}
}

// resolveOrAllocate returns the SessionID for name, allocating a fresh
// one on first use. Calling it twice with the same name returns the same
// id.
func (d *sessionDirectory) resolveOrAllocate(name string) SessionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byName.Get(name); ok {
		return id
	}
	d.nextID++
	id := d.nextID
	d.byName.Insert(name, id)
	return id
}

func (d *sessionDirectory) resolve(name string) (SessionID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byName.Get(name)
}
