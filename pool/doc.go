// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory and slot management for wsengine: the fixed-capacity connection
// table used by the accept loop and the read buffer pool shared by
// connection workers.
package pool
