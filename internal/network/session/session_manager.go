package session

// SessionManager 维护 Identity 到在线 Session 的索引。
//
// 职责说明：
//   - 任一时刻每个 Identity 至多对应一个存活的 Session；
//   - 同一 Identity 的 Register/Remove/Lookup 串行执行，不同 Identity 之间互不阻塞；
//   - 只负责索引与踢出旧连接，连接的创建与读写由 acceptor/server 负责。
type SessionManager interface {
	// Register 将 sess 绑定到 identity。
	//
	// 若 identity 已有其他 Session，则旧 Session 被替换并以 ErrSessionEvicted 关闭，
	// 关闭发生在 identity 的临界区之外；返回值 evicted 为被替换的旧 Session。
	Register(identity string, sess Session) (evicted Session, err error)

	// Lookup 返回 identity 当前绑定的存活 Session，不存在时返回 ErrSessionNotFound。
	Lookup(identity string) (Session, error)

	// Remove 仅当 identity 当前绑定的就是 sess 时才解除绑定，返回是否发生了移除。
	//
	// 被踢下线的旧 Session 关闭时会调用 Remove，此时绑定已指向新 Session，调用无效果。
	Remove(identity string, sess Session) bool

	// Snapshot 返回调用时刻所有存活 Session 的副本，遍历期间的增删不会影响结果。
	Snapshot() []Session

	// Range 遍历 Snapshot，fn 返回 false 时中断。
	Range(fn func(sess Session) bool)

	// Online 返回当前在线的 Identity 列表（升序）。
	Online() []string

	// Count 返回当前在线的 Identity 数量。
	Count() int
}
