// Package lockapi is the client for the smart-lock cloud. It lists lock
// states per organisational unit and revokes cards by editing the RFID
// whitelists of configured locations.
package lockapi
