// Package job defines the unit of orchestrated work: the Job record, its
// lifecycle state machine, the session specialization with risk limits and
// live metrics, request normalization and fingerprinting, and the Store
// persistence contract.
package job
