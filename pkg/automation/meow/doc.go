// Package meow adapts a whatsmeow client to the automation.Client contract.
// One adapter instance maps to one device session; credential material lives
// in a sqlite store inside the directory the credential strategy provides.
package meow
