// Package machine implements the role broker a slave offers its master.
//
// The broker owns the machine's local resources: a storage root on disk
// and the right to run grains. BecomeStorage and BecomeWorker turn those
// resources into capabilities the master can hand out. Each role is
// activated once and memoized; concurrent requests for the same role wait
// for the first activation and receive its result. Roles are independent
// of each other. A failed activation leaves nothing behind.
package machine
