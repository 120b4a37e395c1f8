// Package lan implements the provisioning transport over the device's setup
// access point.
//
// In clear mode the phone calls the device's HTTP resources directly
// (status.json, wifi_scan.json, wifi_connect.json and so on). Devices that
// answer status.json with 404 only accept a secure session: the phone serves
// /local_lan, registers it with the device through local_reg.json together
// with a fresh RSA public key, and the device completes a key exchange. From
// then on each resource access is queued as a command; the device pulls it
// from commands.json and posts the sealed result back to the phone.
package lan
