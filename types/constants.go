package types

const (
	// DefaultVoiceCredits assigned to a voter when the signup does not say.
	DefaultVoiceCredits = 100
	// DefaultMessageBatchSize is the number of messages processed per batch.
	DefaultMessageBatchSize = 5
	// MaxTreeDepth bounds the depth of every tree handled by the coordinator.
	MaxTreeDepth = 32
)
