// Command vodforge runs the HLS transcoding worker and the operator commands
// around it: enqueueing assets, inspecting their state, running the
// maintenance sweep by hand, and applying registry migrations.
package main
