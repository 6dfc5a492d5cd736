// Package device defines the narrow transport contract the sensor pipeline
// needs from a BLE stack: scanning, dialing, profile discovery, characteristic
// read/write and notifications.
//
// It also owns the error taxonomy used to report transport failures:
//   - ConnectionError for raw conditions a backend normalizes (radio off, denied)
//   - Error for classified pipeline failures shown to the operator
package device
