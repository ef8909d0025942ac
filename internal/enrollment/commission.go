package enrollment

import "github.com/mmeshcher/sprintpay/internal/model"

// CommissionEligible проверяет условия реферальной комиссии: у пользователя есть
// пригласивший, комиссия ещё не закрыта, спринт платный и это первое платное
// зачисление.
func CommissionEligible(user *model.User, pricePaid int64, firstPaid bool) bool {
	if user == nil || user.ReferrerID == nil {
		return false
	}
	if user.PartnerCommissionClosed {
		return false
	}
	return pricePaid > 0 && firstPaid
}

// CommissionAmount возвращает сумму вознаграждения партнёра в минорных единицах.
func CommissionAmount(pricePaid int64, percent int) int64 {
	if pricePaid <= 0 || percent <= 0 {
		return 0
	}
	return pricePaid * int64(percent) / 100
}
