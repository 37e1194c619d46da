package models

// Position - положение объекта на небе в момент съёмки.
// Идентификаторы совпадают с заполнением таблицы 'positions'.
type Position int64

const (
	PositionRising  Position = 1
	PositionZenith  Position = 2
	PositionSetting Position = 3
	PositionAny     Position = 4
)

var positionNames = map[Position]string{
	PositionRising:  "Rising",
	PositionZenith:  "Zenith",
	PositionSetting: "Setting",
	PositionAny:     "Any",
}

// Name возвращает отображаемое имя позиции и признак того, что позиция известна.
func (p Position) Name() (string, bool) {
	name, ok := positionNames[p]
	return name, ok
}
