/*
Package servicebus owns the publishers and subscribers of one process. It shares a single
connector between them, starts one supervised publisher per subject on first use and closes
everything with a single Close. FromConfig builds a Bus from the config package.
*/
package servicebus
