package eventbus

// EventType discriminates the concrete Event implementations below.
type EventType string

const (
	EventJobStepPersisted    EventType = "job.step_persisted"
	EventJobFailed           EventType = "job.failed"
	EventToolRunCompleted    EventType = "tool.run_completed"
	EventVecFSItemChanged    EventType = "vecfs.item_changed"
	EventSubscriptionChanged EventType = "subscription.state_changed"
	EventInvoicePaid         EventType = "invoice.paid"
	EventCronTaskDue         EventType = "cron.task_due"
)

// Event is implemented by every concrete event published on the Bus.
// Subscribers type-switch to access event-specific fields.
type Event interface {
	Type() EventType
}

type (
	// JobStepPersistedEvent fires after the Job Manager durably appends a
	// JobStepResult (spec.md §4.J "Persistence").
	JobStepPersistedEvent struct {
		JobID   string
		Profile string
	}

	// JobFailedEvent fires when a job message ends in the Failed state.
	JobFailedEvent struct {
		JobID   string
		Profile string
		Kind    string
	}

	// ToolRunCompletedEvent fires when the Tool Execution Layer finishes a
	// run, success or failure, so execution_context updates can be folded
	// back into the owning job without a back-pointer into jobmanager.
	ToolRunCompletedEvent struct {
		RouterKey string
		CallID    string
		Succeeded bool
	}

	// VecFSItemChangedEvent fires on any mutating VecFS operation so the
	// Subscription Manager's delta computation can react without VecFS
	// holding a reference back into subscription.
	VecFSItemChangedEvent struct {
		Profile string
		Path    string
	}

	// SubscriptionChangedEvent fires on every subscription state transition.
	SubscriptionChangedEvent struct {
		Streamer   string
		FolderPath string
		State      string
	}

	// InvoicePaidEvent fires when an invoice transitions Pending -> Paid.
	InvoicePaidEvent struct {
		InvoiceID string
	}

	// CronTaskDueEvent fires when the cron scheduler enqueues a synthetic
	// job message for a due task.
	CronTaskDueEvent struct {
		TaskID  string
		Profile string
	}
)

func (JobStepPersistedEvent) Type() EventType    { return EventJobStepPersisted }
func (JobFailedEvent) Type() EventType           { return EventJobFailed }
func (ToolRunCompletedEvent) Type() EventType    { return EventToolRunCompleted }
func (VecFSItemChangedEvent) Type() EventType    { return EventVecFSItemChanged }
func (SubscriptionChangedEvent) Type() EventType { return EventSubscriptionChanged }
func (InvoicePaidEvent) Type() EventType         { return EventInvoicePaid }
func (CronTaskDueEvent) Type() EventType         { return EventCronTaskDue }
