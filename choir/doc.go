// Package choir implements the "Choir Invisible" lab service: a slotted
// object arena with an intentional use-after-free.
//
// Each session owns an Arena of 128 slots. Create places an object
// in a slot; Free releases the object's memory but leaves the slot
// pointing at it. Later SetPayload, ReadPayload and Trigger requests
// against that slot operate on whatever now occupies the released
// memory. Spray allocates attacker-filled chunks of a chosen size,
// which makes the allocator hand a freed object's chunk back with
// attacker-controlled contents. Trigger then calls the procedure
// named by the object's callback field.
//
// Objects and chunks live in a heapsim.Heap, so the hazard is
// reproduced without undefined behavior in the host process. The
// only callable procedures are the ones in the arena's text segment.
package choir
