// Пакет provision — конечный автомат состояния абонента на роутере.
//
// Жизненный цикл пары (роутер, логин):
//
//	unprovisioned → provisioning → provisioned → deprovisioning → unprovisioned
//	provisioning | deprovisioning → unprovisioned (отказ устройства)
//
// Промежуточные состояния (provisioning, deprovisioning) означают, что по
// паре идёт вызов API устройства; вторая операция по той же паре в это
// время отклоняется. После отказа пара снова unprovisioned и доступна для
// повтора; запись о ней из памяти удаляется. Состояние хранится в памяти процесса и после
// рестарта восстанавливается как unprovisioned: на устройстве операции
// идемпотентны, поэтому повтор безопасен.
//
// Потокобезопасен через sync.Mutex.
package provision

import (
	"fmt"
	"sync"
)

// State — состояние абонента на роутере.
type State string

const (
	StateUnprovisioned  State = "unprovisioned"
	StateProvisioning   State = "provisioning"
	StateProvisioned    State = "provisioned"
	StateDeprovisioning State = "deprovisioning"
)

// Key — пара (роутер, логин).
type Key struct {
	RouterID int64
	Username string
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateUnprovisioned:  {StateProvisioning: true, StateDeprovisioning: true},
	StateProvisioning:   {StateProvisioned: true, StateUnprovisioned: true},
	StateProvisioned:    {StateProvisioning: true, StateDeprovisioning: true},
	StateDeprovisioning: {StateUnprovisioned: true},
}

// TransitionError — недопустимый переход.
type TransitionError struct {
	Key  Key
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("роутер %d, логин %s: переход %s → %s недопустим",
		e.Key.RouterID, e.Key.Username, e.From, e.To)
}

// Tracker хранит состояния пар в памяти. Отсутствие записи означает
// unprovisioned.
type Tracker struct {
	mu     sync.Mutex
	states map[Key]State
}

// NewTracker создаёт пустой трекер.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[Key]State)}
}

// State возвращает текущее состояние пары.
func (t *Tracker) State(key Key) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(key)
}

// Begin переводит пару в промежуточное состояние (provisioning или
// deprovisioning). Возвращает *TransitionError, если по паре уже идёт
// операция.
func (t *Tracker) Begin(key Key, target State) error {
	if target != StateProvisioning && target != StateDeprovisioning {
		return fmt.Errorf("недопустимое промежуточное состояние: %q", target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(key, target)
}

// Finish завершает операцию: provisioning → provisioned,
// deprovisioning → unprovisioned; при ok == false пара возвращается
// в unprovisioned.
func (t *Tracker) Finish(key Key, ok bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.stateLocked(key)
	var target State
	switch {
	case current != StateProvisioning && current != StateDeprovisioning:
		return &TransitionError{Key: key, From: current, To: StateUnprovisioned}
	case !ok:
		target = StateUnprovisioned
	case current == StateProvisioning:
		target = StateProvisioned
	default:
		target = StateUnprovisioned
	}
	return t.transitionLocked(key, target)
}

// Counts возвращает число пар в каждом состоянии, кроме unprovisioned.
func (t *Tracker) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[State]int, len(validTransitions))
	for _, st := range t.states {
		counts[st]++
	}
	return counts
}

func (t *Tracker) transitionLocked(key Key, target State) error {
	current := t.stateLocked(key)
	if !validTransitions[current][target] {
		return &TransitionError{Key: key, From: current, To: target}
	}

	if target == StateUnprovisioned {
		delete(t.states, key)
		return nil
	}
	t.states[key] = target
	return nil
}

func (t *Tracker) stateLocked(key Key) State {
	st, ok := t.states[key]
	if !ok {
		return StateUnprovisioned
	}
	return st
}
