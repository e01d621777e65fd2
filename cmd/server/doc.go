// Command server 啟動多房間的細胞自動機對戰服務器。
//
// 玩家透過 WebSocket 連線後自動配對到有空位的房間，每個房間是一張環面網格：
// 背景以預設規則演化，玩家點擊空格產生自己的細胞，細胞依擁有者選擇的規則繁衍，
// 在房間時間結束前取得最多分數的玩家獲勝。
//
// # 房間排程
//
// 房間以 first-fit 分配到有限數量的 Container goroutine，每個 Container 固定週期
// 依序推進自己擁有的房間，單一房間的失敗不影響同一 Container 的其他房間：
//   - 輸入階段：取出玩家命令（點擊、心跳）
//   - 名單階段：處理離開與加入，名單變動時重新同步所有玩家
//   - 推進階段：提交點擊並推進一代
//   - 輸出階段：送出變更的細胞、tick、剩餘時間與計分板
//
// # 外部依賴
//
// 全部為選用，在配置檔案中開啟：
//   - Redis：每種訊息的次數與位元組數（全域與每個房間）
//   - PostgreSQL：房間結束時的結果與分數，啟動時自動執行遷移
//   - NATS：每則送出訊息的事件
//
// 使用範例
//
//	go run ./cmd/server -config config.yaml -log-level debug
//
// 客戶端連接：
//
//	ws://localhost:8080/ws?name=alice&rule=highlife
//
// HTTP API：
//
//	GET  /api/v1/rooms
//	GET  /api/v1/rooms/{room_id}
//	POST /api/v1/rooms/{room_id}/end
//	GET  /api/v1/rules
//	GET  /api/v1/results
//	GET  /health
//	GET  /stats
package main
