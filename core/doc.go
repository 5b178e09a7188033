// Package core defines the domain types shared by every component: documents,
// messages and their payloads, agent registrations, pipeline states and batch
// records, together with their validation rules and error taxonomy.
//
// Messages are immutable once built with NewMessage and are totally ordered
// for dispatch by Message.Before. Payload is a closed set of types; each
// declares which Kind it may travel under, and ValidateMessage enforces it.
package core
