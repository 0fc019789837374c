package exprlang

import (
	"container/list"
	"sync"
)

// ProgramCache is a thread-safe LRU cache of compiled (parsed) expressions,
// keyed by source text: container/list + map, MoveToFront on hit,
// evict-oldest on overflow. The cached value is the parsed AST, so a
// repeated expression is lexed and parsed exactly once.
type ProgramCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.RWMutex
}

type programEntry struct {
	key string
	ast Node
}

// NewProgramCache creates a cache holding at most capacity compiled
// programs; non-positive capacity falls back to 100.
func NewProgramCache(capacity int) *ProgramCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &ProgramCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves a compiled AST from cache.
func (pc *ProgramCache) Get(src string) (Node, bool) {
	// MoveToFront mutates the list, so a hit needs the write lock.
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if el, found := pc.cache[src]; found {
		pc.lruList.MoveToFront(el)
		return el.Value.(*programEntry).ast, true
	}
	return nil, false
}

// Put stores a compiled AST in cache, evicting the least recently used
// entry if capacity is exceeded.
func (pc *ProgramCache) Put(src string, ast Node) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if el, found := pc.cache[src]; found {
		pc.lruList.MoveToFront(el)
		el.Value.(*programEntry).ast = ast
		return
	}

	entry := &programEntry{key: src, ast: ast}
	el := pc.lruList.PushFront(entry)
	pc.cache[src] = el

	if pc.lruList.Len() > pc.capacity {
		pc.evictOldest()
	}
}

func (pc *ProgramCache) evictOldest() {
	oldest := pc.lruList.Back()
	if oldest == nil {
		return
	}
	pc.lruList.Remove(oldest)
	entry := oldest.Value.(*programEntry)
	delete(pc.cache, entry.key)
}

// Len returns the current number of cached programs.
func (pc *ProgramCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.lruList.Len()
}

// Clear removes all entries from the cache.
func (pc *ProgramCache) Clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cache = make(map[string]*list.Element)
	pc.lruList = list.New()
}

// CompileAndCache parses src if it isn't already cached, caching the
// result. This is what gives the evaluator its documented compile-once,
// cache-per-workflow semantics: the same source expression is lexed and
// parsed exactly once regardless of how many times a step re-evaluates it.
func (pc *ProgramCache) CompileAndCache(src string) (Node, error) {
	if ast, found := pc.Get(src); found {
		return ast, nil
	}
	ast, err := Parse(src)
	if err != nil {
		return nil, err
	}
	pc.Put(src, ast)
	return ast, nil
}

// Evaluator pairs a ProgramCache with evaluation limits; every workflow
// instance holds one, giving it deterministic compile-once-cache-per-
// workflow evaluation.
type Evaluator struct {
	cache  *ProgramCache
	limits Limits
}

// NewEvaluator creates an Evaluator with a fresh cache and the given limits.
func NewEvaluator(limits Limits) *Evaluator {
	return &Evaluator{cache: NewProgramCache(100), limits: limits}
}

// Eval compiles (or reuses the cached compile of) src and evaluates it
// against scope.
func (e *Evaluator) Eval(src string, scope Scope) (interface{}, error) {
	ast, err := e.cache.CompileAndCache(src)
	if err != nil {
		return nil, err
	}
	return EvalNode(ast, scope, e.limits)
}

// EvalBool evaluates src and coerces the result with JavaScript truthiness
// (0, "", null, NaN and false are falsy; [] and {} are truthy), the rule
// step conditions are specified against.
func (e *Evaluator) EvalBool(src string, scope Scope) (bool, error) {
	if src == "" {
		return true, nil
	}
	v, err := e.Eval(src, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies JavaScript truthiness to an evaluated value.
func Truthy(v interface{}) bool {
	return truthy(v)
}
