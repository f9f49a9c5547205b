package server

import "context"

// Run 房间的单协程事件循环：加入、移动、离开按到达顺序处理
func (r *Room) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for id, p := range r.Players {
				p.Conn.Close()
				delete(r.Players, id)
			}
			r.online.Store(0)
			return
		case p := <-r.joinChan:
			r.JoinPlayer(p)
		case in := <-r.inputChan:
			r.applyMove(in)
		case lv := <-r.leaveChan:
			r.LeavePlayer(lv)
		}
	}
}
