// Package pacemaker drives height progression: leader selection, the voting
// safety rule, leader timeouts and the collection of NewView messages that
// lets a new leader skip a failed one.
package pacemaker
