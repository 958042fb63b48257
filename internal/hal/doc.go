// Package hal abstracts the device's status indicator and environment
// sensor. Each has a Linux sysfs implementation and a simulated one; Select
// functions pick the hardware implementation when the device is present.
// Every call takes a context so a hung device cannot stall a tick.
package hal
