/*
Package backoff computes growing retry delays bounded by an optional overall deadline.
Delays come from an exponential schedule (initial interval, multiplier, jitter, cap); when no
deadline is configured a Retry call keeps trying until it succeeds or its context ends.
*/
package backoff
