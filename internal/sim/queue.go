package sim

import (
	"fmt"
	"sync"

	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
)

const (
	commandQueueOccupancyMetricKey = "sim_command_queue_occupancy"
	commandQueueOverflowMetricKey  = "sim_command_queue_overflow_total"
	commandQueueInvalidMetricKey   = "sim_command_queue_invalid_total"
)

// CommandValidator checks entity references on submitted commands. The world
// implements it; tests substitute fakes.
type CommandValidator interface {
	ValidateCommand(cmd Command) error
}

// QueueConfig tunes queue capacity and per-participant throttling.
type QueueConfig struct {
	Capacity            int
	PerParticipantLimit int
}

// Queue stages validated commands between tick boundaries. It is safe for
// concurrent producers with a single consumer draining at the tick boundary.
type Queue struct {
	mu        sync.Mutex
	data      []Command
	head      int
	tail      int
	count     int
	perSource map[string]int
	limit     int
	validator CommandValidator
	metrics   telemetry.Metrics
}

// NewQueue constructs a queue with the provided capacity. A nil validator
// accepts every command.
func NewQueue(cfg QueueConfig, validator CommandValidator, metrics telemetry.Metrics) *Queue {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Queue{
		data:      make([]Command, capacity),
		perSource: make(map[string]int),
		limit:     cfg.PerParticipantLimit,
		validator: validator,
		metrics:   metrics,
	}
}

// Submit validates and stages a command. Invalid entity references surface as
// ErrInvalidCommand; saturation as ErrQueueFull. Rejected commands leave the
// simulation untouched.
func (q *Queue) Submit(cmd Command) error {
	if q == nil {
		return ErrQueueFull
	}
	if q.validator != nil {
		if err := q.validator.ValidateCommand(cmd); err != nil {
			q.metrics.Add(commandQueueInvalidMetricKey, 1)
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && cmd.Participant != "" && q.perSource[cmd.Participant] >= q.limit {
		q.metrics.Add(commandQueueOverflowMetricKey, 1)
		return fmt.Errorf("%w: participant %s over limit %d", ErrQueueFull, cmd.Participant, q.limit)
	}
	if q.count == len(q.data) {
		q.metrics.Add(commandQueueOverflowMetricKey, 1)
		return ErrQueueFull
	}
	q.data[q.tail] = cmd
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	if cmd.Participant != "" {
		q.perSource[cmd.Participant]++
	}
	q.metrics.Store(commandQueueOccupancyMetricKey, uint64(q.count))
	return nil
}

// Drain returns all staged commands in FIFO submission order and clears the
// queue. Called once per tick boundary.
func (q *Queue) Drain() []Command {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	commands := make([]Command, q.count)
	for i := 0; i < q.count; i++ {
		commands[i] = q.data[(q.head+i)%len(q.data)]
	}
	q.head = 0
	q.tail = 0
	q.count = 0
	if len(q.perSource) > 0 {
		q.perSource = make(map[string]int)
	}
	q.metrics.Store(commandQueueOccupancyMetricKey, 0)
	return commands
}

// Len reports the number of staged commands.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
